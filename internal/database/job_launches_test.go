package database

import (
	"database/sql"
	"io"
	"testing"
	"time"

	"github.com/Trustflow-Network-Labs/compute-client/internal/utils"
	_ "modernc.org/sqlite"
)

func setupTestLaunchesDB(t *testing.T) (*SQLiteManager, *sql.DB) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	// a second pooled connection would see a different :memory: database
	db.SetMaxOpenConns(1)

	logger := utils.NewLogsManagerWithOutput("debug", io.Discard)
	sqlm, err := NewSQLiteManagerWithDB(db, logger)
	if err != nil {
		t.Fatalf("Failed to create SQLiteManager: %v", err)
	}

	return sqlm, db
}

func TestRecordJobLaunch(t *testing.T) {
	sqlm, db := setupTestLaunchesDB(t)
	defer db.Close()

	launch := &JobLaunch{
		JobID:       "job-1",
		ServiceName: "svc",
		Action:      LaunchActionStart,
		Status:      "starting",
	}
	if err := sqlm.Launches.RecordJobLaunch(launch); err != nil {
		t.Fatalf("Failed to record launch: %v", err)
	}

	if launch.ID == "" {
		t.Error("Expected an id to be assigned")
	}
	if launch.CreatedAt.IsZero() {
		t.Error("Expected created_at to be assigned")
	}

	launches, err := sqlm.Launches.GetJobLaunches("job-1")
	if err != nil {
		t.Fatalf("Failed to get launches: %v", err)
	}
	if len(launches) != 1 {
		t.Fatalf("Expected 1 launch, got %d", len(launches))
	}

	got := launches[0]
	if got.ID != launch.ID || got.ServiceName != "svc" || got.Action != LaunchActionStart || got.Status != "starting" {
		t.Errorf("Unexpected launch: %+v", got)
	}
	if got.Error != "" {
		t.Errorf("Expected empty error, got %q", got.Error)
	}
	if !got.CreatedAt.Equal(launch.CreatedAt) {
		t.Errorf("Expected created_at %v, got %v", launch.CreatedAt, got.CreatedAt)
	}
}

func TestRecordJobLaunch_Validation(t *testing.T) {
	sqlm, db := setupTestLaunchesDB(t)
	defer db.Close()

	tests := []struct {
		name   string
		launch *JobLaunch
	}{
		{"missing job id", &JobLaunch{Action: LaunchActionStart}},
		{"unknown action", &JobLaunch{JobID: "job-1", Action: "retry"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := sqlm.Launches.RecordJobLaunch(tt.launch); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestGetRecentJobLaunches(t *testing.T) {
	sqlm, db := setupTestLaunchesDB(t)
	defer db.Close()

	base := time.Unix(1_700_000_000, 0)
	for i, action := range []string{LaunchActionStart, LaunchActionFail, LaunchActionStart} {
		l := &JobLaunch{
			JobID:     "job-" + string(rune('a'+i)),
			Action:    action,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if action == LaunchActionFail {
			l.Status = "failed"
			l.Error = "Failed to start job: boom"
		}
		if err := sqlm.Launches.RecordJobLaunch(l); err != nil {
			t.Fatalf("Failed to record launch: %v", err)
		}
	}

	recent, err := sqlm.Launches.GetRecentJobLaunches(2)
	if err != nil {
		t.Fatalf("Failed to get recent launches: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Expected 2 launches, got %d", len(recent))
	}
	if recent[0].JobID != "job-c" || recent[1].JobID != "job-b" {
		t.Errorf("Expected newest first, got %s, %s", recent[0].JobID, recent[1].JobID)
	}
	if recent[1].Error != "Failed to start job: boom" {
		t.Errorf("Expected error text to round trip, got %q", recent[1].Error)
	}

	all, err := sqlm.Launches.GetRecentJobLaunches(0)
	if err != nil {
		t.Fatalf("Failed to get launches: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected default limit to return all 3 launches, got %d", len(all))
	}
}

func TestPruneJobLaunches(t *testing.T) {
	sqlm, db := setupTestLaunchesDB(t)
	defer db.Close()

	now := time.Now()
	old := &JobLaunch{JobID: "old", Action: LaunchActionStart, CreatedAt: now.Add(-48 * time.Hour)}
	fresh := &JobLaunch{JobID: "fresh", Action: LaunchActionStart, CreatedAt: now.Add(-time.Hour)}
	for _, l := range []*JobLaunch{old, fresh} {
		if err := sqlm.Launches.RecordJobLaunch(l); err != nil {
			t.Fatalf("Failed to record launch: %v", err)
		}
	}

	pruned, err := sqlm.Launches.PruneJobLaunches(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("Failed to prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("Expected 1 pruned launch, got %d", pruned)
	}

	remaining, _ := sqlm.Launches.GetRecentJobLaunches(10)
	if len(remaining) != 1 || remaining[0].JobID != "fresh" {
		t.Errorf("Expected only the fresh launch to remain, got %+v", remaining)
	}

	if err := sqlm.PerformMaintenance(24 * time.Hour); err != nil {
		t.Errorf("Maintenance failed: %v", err)
	}
}

func TestScanNullableString(t *testing.T) {
	if got := ScanNullableString(sql.NullString{String: "x", Valid: true}); got != "x" {
		t.Errorf("Expected x, got %q", got)
	}
	if got := ScanNullableString(sql.NullString{}); got != "" {
		t.Errorf("Expected empty string, got %q", got)
	}
}
