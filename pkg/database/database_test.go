package database

import (
	"testing"

	"github.com/adamkarvonen/dictionary-learning-demo/pkg/config"
	"github.com/google/uuid"
)

func TestDisabledDatabase(t *testing.T) {
	db, err := New(&config.Database{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer db.Close()

	if db.IsEnabled() {
		t.Fatal("disabled database reports enabled")
	}

	sweep := SweepRecord{ID: uuid.New(), ModelName: "google/gemma-2-2b", Layer: 12, SubmoduleName: "resid_post_layer_12"}
	configs := []TrackedConfig{{Architecture: "top_k", Trainer: "TopKTrainer", WandbName: "TopKTrainer-google/gemma-2-2b-resid_post_layer_12", DictSize: 16384}}
	if err := db.TrackSweep(sweep, configs); err != nil {
		t.Errorf("TrackSweep on disabled db: %v", err)
	}
	if err := db.RecordEval(EvalRecord{AEPath: "x"}); err != nil {
		t.Errorf("RecordEval on disabled db: %v", err)
	}

	if _, err := db.QueryRuns("", ""); err == nil {
		t.Error("QueryRuns should fail when disabled")
	}
	if _, err := db.QueryEvals(""); err == nil {
		t.Error("QueryEvals should fail when disabled")
	}
}

func TestUnreachableDatabase(t *testing.T) {
	if testing.Short() {
		t.Skip("dials a closed port")
	}

	db, err := New(&config.Database{Enabled: true, Host: "127.0.0.1", Port: 1, User: "postgres", Password: "postgres"})
	if err == nil {
		db.Close()
		t.Fatal("expected connection error")
	}
	if db == nil || db.IsEnabled() {
		t.Error("failed connection should leave a usable, disabled handle")
	}
}
