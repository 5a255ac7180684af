package record

import (
	"errors"
	"strings"
	"testing"
)

func TestTaskScoping(t *testing.T) {
	r := New()

	err := r.Task("outer", func() error {
		r.AddLog("in outer")
		return r.Task("inner", func() error {
			r.AddLog("in inner")
			return nil
		})
	})
	if err != nil {
		t.Fatalf("task failed: %v", err)
	}
	r.AddLog("after tasks")

	flat := r.Flatten()
	want := []string{"in outer", "in inner", "after tasks"}
	if len(flat.Logs) != len(want) {
		t.Fatalf("logs = %v, want %v", flat.Logs, want)
	}
	for i := range want {
		if flat.Logs[i] != want[i] {
			t.Errorf("log %d = %q, want %q", i, flat.Logs[i], want[i])
		}
	}
}

func TestTaskRecordsFailure(t *testing.T) {
	r := New()
	boom := errors.New("boom")

	err := r.Task("read dataset info", func() error { return boom })
	if err != boom {
		t.Fatalf("error not returned unchanged: %v", err)
	}
	if !r.HasErrors() {
		t.Errorf("failed task left no error in the record")
	}
	flat := r.Flatten()
	if len(flat.Errors) != 1 || !strings.Contains(flat.Errors[0], "read dataset info") {
		t.Errorf("errors = %v", flat.Errors)
	}
}

func TestNestedTaskFailureRecordedOnce(t *testing.T) {
	r := New()
	boom := errors.New("disk gone")

	err := r.Task("outer", func() error {
		return r.Task("middle", func() error {
			return r.Task("inner", func() error { return boom })
		})
	})
	if err != boom {
		t.Fatalf("error not returned unchanged: %v", err)
	}

	// The innermost task attributes the failure; the outer tasks only flip
	// their error flag while unwinding.
	flat := r.Flatten()
	if len(flat.Errors) != 1 {
		t.Errorf("errors = %v, want a single entry", flat.Errors)
	}
	if !strings.Contains(flat.Errors[0], "inner") {
		t.Errorf("error attributed to %q, want the innermost task", flat.Errors[0])
	}
	if !r.root.HasErrors {
		t.Errorf("failure did not propagate to the run root")
	}
}

func TestTaskFailureAfterExplicitErrorNotReRecorded(t *testing.T) {
	r := New()
	boom := errors.New("timeout")

	r.Task("upload files", func() error {
		r.AddError("upload of a.dat failed", boom, "")
		return boom
	})

	flat := r.Flatten()
	if len(flat.Errors) != 1 {
		t.Errorf("errors = %v, want only the explicitly recorded one", flat.Errors)
	}
}

func TestAddErrorDeduplicates(t *testing.T) {
	r := New()
	r.AddError("upload failed", errors.New("timeout"), "")
	r.AddError("upload failed", errors.New("timeout"), "")
	r.AddError("other failure", nil, "")

	flat := r.Flatten()
	if len(flat.Errors) != 2 {
		t.Errorf("errors = %v, want 2 distinct entries", flat.Errors)
	}
}

func TestAddErrorDedupIsPerScope(t *testing.T) {
	r := New()
	r.Task("first", func() error {
		r.AddError("upload failed", nil, "")
		return nil
	})
	r.Task("second", func() error {
		r.AddError("upload failed", nil, "")
		return nil
	})

	if got := len(r.Flatten().Errors); got != 2 {
		t.Errorf("errors = %d, want 2 (dedup applies within one scope only)", got)
	}
}

func TestUploadTask(t *testing.T) {
	r := New()

	u := r.UploadTask("data/measurement.hdf5")
	if u.Status != UploadError {
		t.Errorf("fresh upload status = %s, want ERROR until completed", u.Status)
	}
	u.MD5 = "abc"
	u.Size = 1234
	u.Complete()

	flat := r.Flatten()
	got, ok := flat.FileStatus("data/measurement.hdf5")
	if !ok {
		t.Fatalf("upload missing from flat record")
	}
	if got.Status != UploadOK || got.MD5 != "abc" || got.Size != 1234 {
		t.Errorf("upload = %+v", got)
	}
}

func TestUploadFailThenRetryWins(t *testing.T) {
	r := New()
	first := r.UploadTask("f.dat")
	first.Fail(errors.New("timeout"))
	second := r.UploadTask("f.dat")
	second.Complete()

	got, _ := r.Flatten().FileStatus("f.dat")
	if got.Status != UploadOK {
		t.Errorf("status = %s, want the later attempt to win", got.Status)
	}
}

func TestConvert(t *testing.T) {
	r := New()
	u := r.UploadTask("dataset.zarr.zip")

	if err := u.Convert("zarr_to_zip_converter", "1", func() error { return nil }); err != nil {
		t.Fatalf("convert failed: %v", err)
	}
	if u.Converter == nil || u.Converter.Name != "zarr_to_zip_converter" {
		t.Errorf("converter info = %+v", u.Converter)
	}
	if u.Converter.Error != "" {
		t.Errorf("unexpected converter error %q", u.Converter.Error)
	}

	err := u.Convert("broken", "1", func() error { return errors.New("bad input") })
	if err == nil {
		t.Fatalf("expected conversion error")
	}
	if u.Converter.Error != "bad input" {
		t.Errorf("converter error = %q", u.Converter.Error)
	}
}

func TestSerializeRestoreRoundTrip(t *testing.T) {
	r := New()
	u := r.UploadTask("a.json")
	u.MD5 = "m1"
	u.ContentDigest = "d1"
	u.Size = 10
	u.ModTime = 1700000000.5
	u.Complete()

	failed := r.UploadTask("b.dat")
	failed.Fail(errors.New("timeout"))
	r.AddError("one file failed", nil, "")
	r.AddLog("done")

	serialized, err := r.Serialize()
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}

	flat, err := Restore(serialized)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	good, ok := flat.FileStatus("a.json")
	if !ok || good.Status != UploadOK || good.MD5 != "m1" || good.ModTime != 1700000000.5 {
		t.Errorf("restored upload = %+v ok=%v", good, ok)
	}
	bad, ok := flat.FileStatus("b.dat")
	if !ok || bad.Status != UploadError || bad.Error != "timeout" {
		t.Errorf("restored failed upload = %+v ok=%v", bad, ok)
	}
	if len(flat.Errors) != 1 || len(flat.Logs) != 1 {
		t.Errorf("errors=%v logs=%v", flat.Errors, flat.Logs)
	}
}

func TestRestoreEmpty(t *testing.T) {
	flat, err := Restore("")
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if _, ok := flat.FileStatus("anything"); ok {
		t.Errorf("empty record reported a file")
	}
}
