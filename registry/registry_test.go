package registry

import (
	"testing"

	"github.com/northwing-bms/bacnet-gateway/bacnet"
)

func analogDesc(instance uint32, covIncrement float32) Descriptor {
	return Descriptor{Type: bacnet.AnalogInput, Instance: instance, Name: "ai", CovIncrement: covIncrement}
}

func TestCreateOrReplaceDiscardsStaleBaseline(t *testing.T) {
	r := New()
	id := bacnet.ObjectID{Type: bacnet.AnalogInput, Instance: 1}

	first := bacnet.RealValue(10)
	r.CreateOrReplace(analogDesc(1, 0), &first)

	replacement := bacnet.RealValue(20)
	r.CreateOrReplace(analogDesc(1, 0), &replacement)

	rec, err := r.Read(id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec.LastCovValue != 20 {
		t.Fatalf("expected last_cov_value reset to the replacement value 20, got %v", rec.LastCovValue)
	}
}

func TestInstallSeedsLastCovValueIndependentlyOfPresentValue(t *testing.T) {
	r := New()
	id := bacnet.ObjectID{Type: bacnet.AnalogInput, Instance: 1}

	// present_value has moved to 10.6 on a sub-threshold update that never
	// fanned out, so the restored baseline must stay at 10.0, not 10.6.
	r.Install(analogDesc(1, 1), bacnet.RealValue(10.6), bacnet.StatusFlags{}, 10.0)

	rec, err := r.Read(id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec.PresentValue.Real != 10.6 {
		t.Fatalf("expected present value 10.6, got %v", rec.PresentValue)
	}
	if rec.LastCovValue != 10.0 {
		t.Fatalf("expected last_cov_value restored at 10.0 independent of present value, got %v", rec.LastCovValue)
	}

	// A subsequent update must be measured against the restored baseline:
	// delta from 10.0 to 10.9 is 0.9, under the increment of 1, so no
	// notification fires even though present value changed again.
	_, _, triggered, err := r.UpdateValue(id, bacnet.RealValue(10.9), nil)
	if err != nil {
		t.Fatalf("UpdateValue: %v", err)
	}
	if triggered {
		t.Error("expected no trigger: delta from the restored baseline is under the increment")
	}
}

func TestUpdateValueAnyChangeTriggersWhenIncrementZero(t *testing.T) {
	r := New()
	id := bacnet.ObjectID{Type: bacnet.AnalogInput, Instance: 1}
	initial := bacnet.RealValue(10)
	r.CreateOrReplace(analogDesc(1, 0), &initial)

	_, _, triggered, err := r.UpdateValue(id, bacnet.RealValue(10.001), nil)
	if err != nil {
		t.Fatalf("UpdateValue: %v", err)
	}
	if !triggered {
		t.Error("expected any inequality to trigger COV when cov_increment is 0")
	}
}

func TestUpdateValueThresholdLaw(t *testing.T) {
	r := New()
	id := bacnet.ObjectID{Type: bacnet.AnalogInput, Instance: 1}
	initial := bacnet.RealValue(10)
	r.CreateOrReplace(analogDesc(1, 2), &initial)

	_, _, triggered, err := r.UpdateValue(id, bacnet.RealValue(11), nil)
	if err != nil {
		t.Fatalf("UpdateValue: %v", err)
	}
	if triggered {
		t.Error("delta of 1 should not cross a cov_increment of 2")
	}

	_, _, triggered, err = r.UpdateValue(id, bacnet.RealValue(12), nil)
	if err != nil {
		t.Fatalf("UpdateValue: %v", err)
	}
	if !triggered {
		t.Error("delta of 2 should cross a cov_increment of 2")
	}
}

func TestUpdateValueStatusFlagTrigger(t *testing.T) {
	r := New()
	id := bacnet.ObjectID{Type: bacnet.AnalogInput, Instance: 1}
	initial := bacnet.RealValue(10)
	r.CreateOrReplace(analogDesc(1, 100), &initial)
	r.MarkReported(id, initial)

	status := bacnet.StatusFlags{InAlarm: true}
	_, _, triggered, err := r.UpdateValue(id, bacnet.RealValue(10), &status)
	if err != nil {
		t.Fatalf("UpdateValue: %v", err)
	}
	if !triggered {
		t.Error("a status-flag bit flip must trigger COV even with no present-value change")
	}
}

func TestUpdateValueTypeMismatchRejected(t *testing.T) {
	r := New()
	id := bacnet.ObjectID{Type: bacnet.AnalogInput, Instance: 1}
	initial := bacnet.RealValue(10)
	r.CreateOrReplace(analogDesc(1, 0), &initial)

	_, _, _, err := r.UpdateValue(id, bacnet.BooleanValue(true), nil)
	if err == nil {
		t.Fatal("expected ErrTypeMismatch for a Boolean value against an analog object")
	}
}

func TestUpdateValueNotFound(t *testing.T) {
	r := New()
	_, _, _, err := r.UpdateValue(bacnet.ObjectID{Type: bacnet.AnalogInput, Instance: 99}, bacnet.RealValue(1), nil)
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteReportsPresence(t *testing.T) {
	r := New()
	id := bacnet.ObjectID{Type: bacnet.AnalogInput, Instance: 1}
	r.CreateOrReplace(analogDesc(1, 0), nil)

	if !r.Delete(id) {
		t.Error("expected Delete to report the object was present")
	}
	if r.Delete(id) {
		t.Error("expected Delete to report false for an already-deleted object")
	}
	if _, err := r.Read(id); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestIterateIsSnapshot(t *testing.T) {
	r := New()
	r.CreateOrReplace(analogDesc(1, 0), nil)
	r.CreateOrReplace(analogDesc(2, 0), nil)

	snapshot := r.Iterate()
	r.CreateOrReplace(analogDesc(3, 0), nil)

	if len(snapshot) != 2 {
		t.Fatalf("expected snapshot of 2 records, got %d", len(snapshot))
	}
	if r.Len() != 3 {
		t.Fatalf("expected registry to now hold 3 records, got %d", r.Len())
	}
}
