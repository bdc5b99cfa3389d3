// Package mqtt provides the broker connection used by fleetd.
//
// The broker is an outbound channel: the mqtt sink republishes routed
// events, the notifier publishes alerts under fleet/alerts/..., and shadow
// deltas are mirrored to devices/{thingId}/shadow/delta. A retained status
// message on fleet/system/status (with a matching LWT) tells consumers
// whether fleetd is up.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Publish(mqtt.Topics{}.Alert("delivery.dead_letter"), body, 1, false)
package mqtt
