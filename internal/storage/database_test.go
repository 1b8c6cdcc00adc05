package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "solar-test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(f float64) *float64 { return &f }

// TestReadingStorage tests insert, publish tracking and pruning of readings
func TestReadingStorage(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	old := &Reading{Source: "primary", WorkingState: "Battery Mode", BatteryVoltage: ptr(51.2), Timestamp: now.Add(-48 * time.Hour)}
	fresh := &Reading{Source: "fallback", WorkingState: "Line Mode", BatteryVoltage: ptr(53.4), PVTotalPower: ptr(1200), Timestamp: now}

	oldID, err := db.InsertReading(old)
	if err != nil {
		t.Fatalf("InsertReading failed: %v", err)
	}
	freshID, err := db.InsertReading(fresh)
	if err != nil {
		t.Fatalf("InsertReading failed: %v", err)
	}
	if oldID <= 0 || freshID <= oldID {
		t.Errorf("Expected increasing IDs, got %d and %d", oldID, freshID)
	}

	recent, err := db.GetRecentReadings(10)
	if err != nil {
		t.Fatalf("GetRecentReadings failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Expected 2 readings, got %d", len(recent))
	}
	if recent[0].ID != freshID {
		t.Errorf("Expected newest reading first, got id %d", recent[0].ID)
	}
	if recent[0].BatteryVoltage == nil || *recent[0].BatteryVoltage != 53.4 {
		t.Errorf("BatteryVoltage mismatch: got %v", recent[0].BatteryVoltage)
	}
	if recent[1].PVTotalPower != nil {
		t.Errorf("Expected NULL pv power to stay nil, got %v", *recent[1].PVTotalPower)
	}

	pending, err := db.GetUnpublishedReadings(10)
	if err != nil {
		t.Fatalf("GetUnpublishedReadings failed: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != oldID {
		t.Fatalf("Expected 2 unpublished readings oldest first, got %d", len(pending))
	}

	if err := db.MarkReadingPublished(oldID); err != nil {
		t.Fatalf("MarkReadingPublished failed: %v", err)
	}
	pending, err = db.GetUnpublishedReadings(10)
	if err != nil {
		t.Fatalf("GetUnpublishedReadings failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != freshID {
		t.Errorf("Expected only the fresh reading to be unpublished")
	}

	removed, err := db.PruneReadings(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("PruneReadings failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 pruned reading, got %d", removed)
	}
}

// TestActuationEventStorage tests event insert and publish tracking
func TestActuationEventStorage(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()

	events := []*ActuationEvent{
		{ID: "e1", DeviceID: "hub:switch_1", Action: "on", Value: 1, Success: true, Reason: "battery at or above max", Timestamp: now.Add(-time.Minute)},
		{ID: "e2", DeviceID: "pump", Action: "speed", Value: 25, Success: false, Timestamp: now},
	}
	for _, e := range events {
		if err := db.InsertActuationEvent(e); err != nil {
			t.Fatalf("InsertActuationEvent failed: %v", err)
		}
	}

	if err := db.InsertActuationEvent(events[0]); err == nil {
		t.Error("Expected duplicate event id to fail")
	}

	all, err := db.GetRecentEvents("", 10)
	if err != nil {
		t.Fatalf("GetRecentEvents failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != "e2" {
		t.Fatalf("Expected 2 events newest first, got %d", len(all))
	}
	if all[0].Success || all[0].Value != 25 {
		t.Errorf("Event fields mismatch: %+v", all[0])
	}

	pumpOnly, err := db.GetRecentEvents("pump", 10)
	if err != nil {
		t.Fatalf("GetRecentEvents failed: %v", err)
	}
	if len(pumpOnly) != 1 {
		t.Errorf("Expected 1 pump event, got %d", len(pumpOnly))
	}

	if err := db.MarkEventPublished("e1"); err != nil {
		t.Fatalf("MarkEventPublished failed: %v", err)
	}
	pending, err := db.GetUnpublishedEvents(10)
	if err != nil {
		t.Fatalf("GetUnpublishedEvents failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "e2" {
		t.Errorf("Expected only e2 unpublished")
	}
}

// TestDailyEnergyUpsert tests that a day row is replaced, not duplicated
func TestDailyEnergyUpsert(t *testing.T) {
	db := openTestDB(t)

	if err := db.UpsertDailyEnergy(&DailyEnergy{DeviceID: "pump", Day: "2024-06-01", RunSeconds: 3600, EnergyWh: 25}); err != nil {
		t.Fatalf("UpsertDailyEnergy failed: %v", err)
	}
	if err := db.UpsertDailyEnergy(&DailyEnergy{DeviceID: "pump", Day: "2024-06-01", RunSeconds: 7200, EnergyWh: 50}); err != nil {
		t.Fatalf("UpsertDailyEnergy failed: %v", err)
	}
	if err := db.UpsertDailyEnergy(&DailyEnergy{DeviceID: "pump", Day: "2024-06-02", RunSeconds: 60, EnergyWh: 1}); err != nil {
		t.Fatalf("UpsertDailyEnergy failed: %v", err)
	}

	rows, err := db.GetDailyEnergy("2024-06-01")
	if err != nil {
		t.Fatalf("GetDailyEnergy failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Expected 1 row, got %d", len(rows))
	}
	if rows[0].RunSeconds != 7200 || rows[0].EnergyWh != 50 {
		t.Errorf("Expected updated totals, got %+v", rows[0])
	}
}

// TestDeviceUpsert tests device snapshots keep their status when none is given
func TestDeviceUpsert(t *testing.T) {
	db := openTestDB(t)

	d := &Device{ID: "pump", Name: "Pond pump", Type: "pump", GatewayID: "pump", IsOn: true, StatusJSON: `{"P":30}`}
	if err := db.UpsertDevice(d); err != nil {
		t.Fatalf("UpsertDevice failed: %v", err)
	}
	if err := db.UpsertDevice(&Device{ID: "pump", Name: "Pond pump", Type: "pump", IsOn: false}); err != nil {
		t.Fatalf("UpsertDevice failed: %v", err)
	}

	devices, err := db.GetAllDevices()
	if err != nil {
		t.Fatalf("GetAllDevices failed: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("Expected 1 device, got %d", len(devices))
	}
	if devices[0].IsOn {
		t.Error("Expected is_on to be updated")
	}
	if devices[0].StatusJSON != `{"P":30}` {
		t.Errorf("Expected status to be kept, got %q", devices[0].StatusJSON)
	}
}

// TestOpenReadOnly tests that the inspection mode sees existing data
func TestOpenReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := db.InsertReading(&Reading{Source: "primary", Timestamp: time.Now()}); err != nil {
		t.Fatalf("InsertReading failed: %v", err)
	}
	db.Close()

	ro, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("OpenReadOnly failed: %v", err)
	}
	defer ro.Close()

	readings, err := ro.GetRecentReadings(5)
	if err != nil {
		t.Fatalf("GetRecentReadings failed: %v", err)
	}
	if len(readings) != 1 {
		t.Errorf("Expected 1 reading, got %d", len(readings))
	}

	if _, err := OpenReadOnly(filepath.Join(t.TempDir(), "missing.db")); err == nil {
		t.Error("Expected error for a missing database")
	}
	_ = os.Remove(path)
}
