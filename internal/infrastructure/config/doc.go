// Package config handles loading and validating fleetd configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with FLEET_* environment variables
//   - Validation of required fields, secrets, sinks and detector entities
//   - Default value handling
//
// Security Considerations:
//   - Claim and device-token secrets should be set via environment variables
//   - The operator token is stored only as an Argon2id hash
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Service.Name)
package config
