// Package device defines the Bluetooth Low Energy central contract used by the
// sensor session, together with the shared error types and UUID helpers.
//
// Backends live in sub-packages:
//   - go-ble: github.com/go-ble/ble (CoreBluetooth on macOS, HCI socket on Linux)
//   - tinygo: tinygo.org/x/bluetooth (BlueZ over D-Bus, CoreBluetooth, WinRT)
//
// All Adapter methods block until the operation completes; callers run them on
// their own goroutines and receive streamed data (advertisements, notifications,
// disconnects) through callbacks invoked on backend goroutines.
package device
