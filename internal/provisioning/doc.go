// Package provisioning is the Fleet Provisioner.
//
// Operators create claims (Issuer.CreateClaim) that authorise one device
// key. The device presents the claim token and its CSR or public key to
// Provisioner.Provision, which consumes the claim with a compare-and-swap
// update in the same SQL transaction that creates the Thing, its Identity
// and the policy binding. Replaying a consumed claim with the same key
// returns the original Thing and fingerprint.
package provisioning
