// Package service exposes a property bus to other processes over a unix
// socket and lets those processes use a remote bus as if it were local.
//
// # HubService
//
// HubService serves a bus.Bus. Every accepted connection becomes a session
// that may drive devices, watch properties, and send requests:
//   - Define messages register the connection as the driver of the device
//   - Request messages are forwarded to the driving connection
//   - Watch messages subscribe the connection to property events
//   - Disconnecting deletes every device the connection drove
//
// Blob elements travel as shared-memory descriptors next to the frame. The
// hub keeps the last few segments of every blob element attached so a slow
// reader never sees a recycled buffer.
//
// Example usage:
//
//	b := bus.New()
//	hub := service.NewHubService(b, service.HubConfig{SocketPath: "/run/propbus.sock"})
//	if err := hub.Start(ctx); err != nil {
//		return err
//	}
//	defer hub.Stop()
//
// # Remote
//
// Remote implements bus.Hub on top of a hub connection, so drivers and
// client sessions work unchanged in another process:
//
//	r, err := service.Dial(ctx, service.RemoteConfig{SocketPath: "/run/propbus.sock"})
//	if err != nil {
//		return err
//	}
//	defer r.Close()
//
//	sess, err := client.Attach(r, client.Config{ID: "guider"})
//
// A lost connection is redialled with exponential backoff. Once connected
// again, the Remote re-defines the devices it drives and restores its
// watches. Devices learned from the hub are deleted locally while the
// connection is down.
package service
