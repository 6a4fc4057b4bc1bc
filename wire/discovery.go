package wire

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/user/companion-blue/util"
)

const discoveryInterval = 200 * time.Millisecond

// StartDiscovery starts scanning for advertising devices. The callback is
// invoked repeatedly with the UUID of every device whose socket exists, on
// each scan pass, until the returned channel is closed.
func (w *Wire) StartDiscovery(callback func(deviceUUID string)) chan struct{} {
	stopChan := make(chan struct{})

	go func() {
		ticker := time.NewTicker(discoveryInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stopChan:
				return
			case <-ticker.C:
				for _, deviceUUID := range w.ListAvailableDevices() {
					select {
					case <-stopChan:
						return
					default:
					}
					callback(deviceUUID)
				}
			}
		}
	}()

	return stopChan
}

// ListAvailableDevices scans the socket directory and returns the hardware
// UUIDs of every other device currently listening.
func (w *Wire) ListAvailableDevices() []string {
	devices := make([]string, 0)

	socketDir := util.GetSocketDir()
	pattern := filepath.Join(socketDir, "companion-*.sock")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return devices
	}

	for _, path := range matches {
		filename := filepath.Base(path)
		if len(filename) <= len("companion-")+len(".sock") {
			continue
		}
		uuid := filename[len("companion-") : len(filename)-len(".sock")]
		if uuid != w.hardwareUUID {
			devices = append(devices, uuid)
		}
	}

	return devices
}

// ReadAdvertisingData reads another device's advertising data, simulating
// reception of an advertising packet. A device that is not currently
// advertising has no file, which reads as an error.
func (w *Wire) ReadAdvertisingData(deviceUUID string) (*AdvertisingData, error) {
	advPath := filepath.Join(util.GetDeviceDir(deviceUUID), "advertising.json")
	data, err := os.ReadFile(advPath)
	if err != nil {
		return nil, fmt.Errorf("device %s is not advertising: %w", shortUUID(deviceUUID), err)
	}

	var advData AdvertisingData
	if err := json.Unmarshal(data, &advData); err != nil {
		return nil, fmt.Errorf("failed to parse advertising.json: %w", err)
	}
	return &advData, nil
}

// WriteAdvertisingData publishes this device's advertising data. Writing
// the same data again is a no-op in effect, so re-issuing an advertisement
// after a disconnect is always safe.
func (w *Wire) WriteAdvertisingData(data *AdvertisingData) error {
	deviceDir := util.GetDeviceDir(w.hardwareUUID)
	if err := os.MkdirAll(deviceDir, 0755); err != nil {
		return fmt.Errorf("failed to create device directory: %w", err)
	}

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal advertising data: %w", err)
	}

	advPath := filepath.Join(deviceDir, "advertising.json")
	if err := os.WriteFile(advPath, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write advertising.json: %w", err)
	}
	return nil
}

// ClearAdvertisingData removes this device's advertising data, making it
// undiscoverable. Safe to call when not advertising.
func (w *Wire) ClearAdvertisingData() error {
	advPath := filepath.Join(util.GetDeviceDir(w.hardwareUUID), "advertising.json")
	err := os.Remove(advPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear advertising data: %w", err)
	}
	return nil
}

// WriteGATTTable publishes this device's GATT database for discovery.
func (w *Wire) WriteGATTTable(table *GATTTable) error {
	deviceDir := util.GetDeviceDir(w.hardwareUUID)
	if err := os.MkdirAll(deviceDir, 0755); err != nil {
		return fmt.Errorf("failed to create device directory: %w", err)
	}

	jsonData, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal GATT table: %w", err)
	}

	gattPath := filepath.Join(deviceDir, "gatt.json")
	if err := os.WriteFile(gattPath, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write gatt.json: %w", err)
	}
	return nil
}

// ReadGATTTable reads another device's GATT database, simulating service
// and characteristic discovery.
func (w *Wire) ReadGATTTable(deviceUUID string) (*GATTTable, error) {
	gattPath := filepath.Join(util.GetDeviceDir(deviceUUID), "gatt.json")
	data, err := os.ReadFile(gattPath)
	if err != nil {
		return nil, fmt.Errorf("no GATT table for device %s: %w", shortUUID(deviceUUID), err)
	}

	var table GATTTable
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse gatt.json: %w", err)
	}
	return &table, nil
}
