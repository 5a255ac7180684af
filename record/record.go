// Package record collects a structured account of a single dataset
// synchronization run. Backends report their progress through tasks, logs
// and errors; the serialized form is stored with the sync item and in the
// per-dataset manifest so an interrupted run can be resumed.
package record

import (
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// UploadStatus is the outcome of a single file upload.
type UploadStatus string

const (
	UploadOK    UploadStatus = "OK"
	UploadError UploadStatus = "ERROR"
)

// ConverterInfo describes a file conversion performed before upload.
type ConverterInfo struct {
	Name     string  `yaml:"name"`
	Version  string  `yaml:"version,omitempty"`
	Duration float64 `yaml:"duration_secs,omitempty"`
	Error    string  `yaml:"error,omitempty"`
}

// UploadInfo tracks a single file upload within a run.
type UploadInfo struct {
	Filename      string         `yaml:"filename"`
	MD5           string         `yaml:"md5,omitempty"`
	ContentDigest string         `yaml:"content_digest,omitempty"`
	Size          int64          `yaml:"size,omitempty"`
	ModTime       float64        `yaml:"m_time,omitempty"`
	Status        UploadStatus   `yaml:"status"`
	Error         string         `yaml:"error,omitempty"`
	Converter     *ConverterInfo `yaml:"converter,omitempty"`

	rec *Record
}

// entry is one node in the run tree. HasErrors is set on a task and all of
// its ancestors as soon as an error lands anywhere below it.
type entry struct {
	Kind      string      `yaml:"kind"` // "task", "log", "error", "upload"
	Name      string      `yaml:"name,omitempty"`
	Message   string      `yaml:"message,omitempty"`
	Detail    string      `yaml:"detail,omitempty"`
	Started   time.Time   `yaml:"started,omitempty"`
	Finished  time.Time   `yaml:"finished,omitempty"`
	HasErrors bool        `yaml:"has_errors,omitempty"`
	Upload    *UploadInfo `yaml:"upload,omitempty"`
	Children  []*entry    `yaml:"children,omitempty"`
}

// Record is the run record for one synchronization attempt of a dataset.
type Record struct {
	mu    sync.Mutex
	root  *entry
	stack []*entry
}

// New creates an empty run record.
func New() *Record {
	root := &entry{Kind: "task", Name: "sync", Started: time.Now().UTC()}
	return &Record{root: root, stack: []*entry{root}}
}

func (r *Record) current() *entry {
	return r.stack[len(r.stack)-1]
}

// Task runs fn inside a named scope. Logs, errors and uploads reported while
// fn runs attach to this scope. A non-nil result is returned unchanged; it
// is recorded as an error on the scope unless a nested task already
// attributed the failure, in which case the scope only flips hasErrors.
func (r *Record) Task(name string, fn func() error) error {
	r.mu.Lock()
	task := &entry{Kind: "task", Name: name, Started: time.Now().UTC()}
	cur := r.current()
	cur.Children = append(cur.Children, task)
	r.stack = append(r.stack, task)
	r.mu.Unlock()

	err := fn()

	r.mu.Lock()
	task.Finished = time.Now().UTC()
	if err != nil {
		if !task.HasErrors {
			task.Children = append(task.Children, &entry{
				Kind:    "error",
				Message: fmt.Sprintf("task %q failed", name),
				Detail:  err.Error(),
				Started: time.Now().UTC(),
			})
		}
		for _, e := range r.stack {
			e.HasErrors = true
		}
	}
	r.stack = r.stack[:len(r.stack)-1]
	r.mu.Unlock()
	return err
}

// AddLog appends a log message to the current scope.
func (r *Record) AddLog(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.current()
	cur.Children = append(cur.Children, &entry{Kind: "log", Message: msg, Started: time.Now().UTC()})
}

// AddError appends an error to the current scope. An error with the same
// message already present among the scope's children is not duplicated.
func (r *Record) AddError(msg string, err error, traceback string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	detail := ""
	if err != nil {
		detail = err.Error()
	}
	cur := r.current()
	for _, e := range r.stack {
		e.HasErrors = true
	}
	for _, child := range cur.Children {
		if child.Kind == "error" && child.Message == msg {
			return
		}
	}
	cur.Children = append(cur.Children, &entry{
		Kind:    "error",
		Message: msg,
		Detail:  joinDetail(detail, traceback),
		Started: time.Now().UTC(),
	})
}

func joinDetail(detail, traceback string) string {
	if traceback == "" {
		return detail
	}
	if detail == "" {
		return traceback
	}
	return detail + "\n" + traceback
}

// UploadTask opens an upload entry for a file and returns its info handle.
// The caller fills in checksums and size as they become known and closes the
// entry with Complete or Fail.
func (r *Record) UploadTask(filename string) *UploadInfo {
	info := &UploadInfo{Filename: filename, Status: UploadError, rec: r}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.current()
	cur.Children = append(cur.Children, &entry{
		Kind:    "upload",
		Name:    filename,
		Started: time.Now().UTC(),
		Upload:  info,
	})
	return info
}

// Complete marks the upload as successful.
func (u *UploadInfo) Complete() {
	u.rec.mu.Lock()
	defer u.rec.mu.Unlock()
	u.Status = UploadOK
	u.Error = ""
}

// Fail marks the upload as failed.
func (u *UploadInfo) Fail(err error) {
	u.rec.mu.Lock()
	defer u.rec.mu.Unlock()
	u.Status = UploadError
	if err != nil {
		u.Error = err.Error()
	}
}

// Convert runs fn as a conversion step attached to this upload, timing it
// and recording its outcome.
func (u *UploadInfo) Convert(name, version string, fn func() error) error {
	start := time.Now()
	err := fn()

	u.rec.mu.Lock()
	defer u.rec.mu.Unlock()
	info := &ConverterInfo{Name: name, Version: version, Duration: time.Since(start).Seconds()}
	if err != nil {
		info.Error = err.Error()
	}
	u.Converter = info
	return err
}

// Flat is the flattened run record stored in the sync item manifest and the
// per-dataset manifest artifact.
type Flat struct {
	SyncTime time.Time              `yaml:"sync_time"`
	Files    map[string]*UploadInfo `yaml:"files"`
	Errors   []string               `yaml:"errors,omitempty"`
	Logs     []string               `yaml:"logs,omitempty"`
}

// Flatten collapses the run tree into the flat record form. Upload entries
// win by filename, later entries replacing earlier ones.
func (r *Record) Flatten() *Flat {
	r.mu.Lock()
	defer r.mu.Unlock()

	flat := &Flat{SyncTime: time.Now().UTC(), Files: make(map[string]*UploadInfo)}
	var walk func(e *entry)
	walk = func(e *entry) {
		switch e.Kind {
		case "log":
			flat.Logs = append(flat.Logs, e.Message)
		case "error":
			flat.Errors = append(flat.Errors, joinDetail(e.Message, e.Detail))
		case "upload":
			if e.Upload != nil {
				flat.Files[e.Upload.Filename] = e.Upload
			}
		}
		for _, child := range e.Children {
			walk(child)
		}
	}
	walk(r.root)
	return flat
}

// Serialize renders the flat record as YAML.
func (r *Record) Serialize() (string, error) {
	data, err := yaml.Marshal(r.Flatten())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Restore parses a serialized flat record. Backends consult it to skip
// files that already uploaded cleanly in an interrupted run.
func Restore(serialized string) (*Flat, error) {
	var flat Flat
	if err := yaml.Unmarshal([]byte(serialized), &flat); err != nil {
		return nil, err
	}
	if flat.Files == nil {
		flat.Files = make(map[string]*UploadInfo)
	}
	return &flat, nil
}

// FileStatus looks up the recorded outcome for a file in a restored record.
func (f *Flat) FileStatus(filename string) (*UploadInfo, bool) {
	info, ok := f.Files[filename]
	return info, ok
}

// HasErrors reports whether the run recorded any error.
func (r *Record) HasErrors() bool {
	return len(r.Flatten().Errors) > 0
}
