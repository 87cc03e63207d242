// Package device provides the device registry for relayhub.
//
// The registry is the single authority on device records: which devices
// exist, what relays they carry and what state each relay is in. Devices
// write to it through telemetry, dashboards write to it through the API,
// and both see one consistent record per device.
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────────────────┐
//	│                          Device Registry                            │
//	│                                                                     │
//	│  ┌──────────────────┐   ┌──────────────────┐   ┌─────────────────┐  │
//	│  │     Registry     │   │    MergeRelay    │   │   Repository    │  │
//	│  │  (registry.go)   │──▶│    (merge.go)    │   │ memory / sqlite │  │
//	│  │                  │   │                  │   │    / mongodb    │  │
//	│  │ • per-id locks   │   │ • partial patch  │   │                 │  │
//	│  │ • COW cache      │   │ • defaults       │   │ • versioned     │  │
//	│  │ • change events  │   │ • slider policy  │   │   writes        │  │
//	│  └──────────────────┘   └──────────────────┘   └─────────────────┘  │
//	└─────────────────────────────────────────────────────────────────────┘
//
// # Key Types
//
//   - Record: one device with its relays or simple status
//   - Relay: a named switch or slider channel
//   - RelayPatch: a partial relay update; nil fields are untouched
//   - ChannelUpdate: either a RelayPatch or a simple on/off status
//   - Change: a committed write, delivered to ChangeListeners
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	registry := device.NewRegistry(repo, device.SliderReject)
//	registry.SetLogger(log)
//
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	rec, created, err := registry.GetOrCreate(ctx, "esp32-01", device.RegisterOptions{})
//
//	on := device.Bool(true)
//	rec, relay, err := registry.Upsert(ctx, "esp32-01",
//	    device.ChannelUpdate{Relay: &device.RelayPatch{RelayID: "1", Value: &on}},
//	    device.UpsertOptions{})
//
// # Thread Safety
//
// Writes to one device are serialised by a lock keyed on the device id;
// writes to different devices run in parallel. Each write is committed to
// the Repository before it becomes visible, and listeners observe every
// device's changes in commit order.
package device
