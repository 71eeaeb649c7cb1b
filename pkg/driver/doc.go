// Package driver helps write device drivers on top of a bus.Hub.
//
// A Device registers itself as the owner of one device name. It defines
// vectors, reports their state with Set, and answers client requests
// either with a per-vector RequestHandler or, by default, by applying the
// requested values and reporting Ok:
//
//	dome, _ := driver.New(hub, "Dome")
//	dome.Define(shutter)
//	dome.OnRequest("Shutter", func(ctx context.Context, d *driver.Device, req bus.Request) error {
//		d.SetState("Shutter", model.StateBusy)
//		go moveShutter(d, req)
//		return nil
//	})
//
// Snoop lets a driver follow the properties of other devices.
package driver
