// Package store keeps scripts and the records of their runs.
package store

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/zeebo/blake3"

	"github.com/lemonberrylabs/yrunner/pkg/types"
)

// RunState represents the state of a run.
type RunState string

const (
	RunActive    RunState = "ACTIVE"
	RunSucceeded RunState = "SUCCEEDED"
	RunFailed    RunState = "FAILED"
	RunCancelled RunState = "CANCELLED"
)

// Terminal reports whether the run has finished.
func (s RunState) Terminal() bool {
	return s != RunActive
}

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrNotActive     = errors.New("run is not active")
	ErrInvalidID     = errors.New("invalid id")
)

// validID matches script ids: a letter followed by letters, digits, '-' or
// '_', at most 64 characters.
var validID = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)

// ValidateID checks a script id.
func ValidateID(id string) error {
	if !validID.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Script is a stored script definition.
type Script struct {
	ID          string    `json:"id"`
	Description string    `json:"description,omitempty"`
	Source      string    `json:"source"`
	Schedule    string    `json:"schedule,omitempty"`
	Variables   string    `json:"variables,omitempty"` // JSON object seeding every run
	Revision    int       `json:"-"`
	RevisionID  string    `json:"revisionId"`
	CreateTime  time.Time `json:"createTime"`
	UpdateTime  time.Time `json:"updateTime"`
}

// ScriptUpdate holds the fields of a script update; nil fields are kept.
type ScriptUpdate struct {
	Description *string
	Source      *string
	Schedule    *string
	Variables   *string
}

// Run is the record of one script run.
type Run struct {
	ID         string    `json:"id"`
	Script     string    `json:"script"`
	RevisionID string    `json:"revisionId"`
	State      RunState  `json:"state"`
	Variables  string    `json:"variables,omitempty"` // JSON input variables
	Result     string    `json:"result,omitempty"`    // JSON final environment
	ExitCode   int       `json:"exitCode"`
	Error      string    `json:"error,omitempty"` // JSON error record
	Steps      int       `json:"steps"`
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime,omitempty"`
}

// Outcome is what a finished run reports back to the store.
type Outcome struct {
	ExitCode  int
	Variables types.Value
	Err       *types.ScriptError
	Steps     int
}

// Store persists scripts and runs. Implementations are safe for concurrent use.
type Store interface {
	CreateScript(s *Script) (*Script, error)
	GetScript(id string) (*Script, error)
	ListScripts() ([]*Script, error)
	UpdateScript(id string, u ScriptUpdate) (*Script, error)
	DeleteScript(id string) error

	CreateRun(scriptID string, variables types.Value) (*Run, error)
	GetRun(id string) (*Run, error)
	// ListRuns returns the runs of a script, newest first; an empty id lists all runs.
	ListRuns(scriptID string) ([]*Run, error)
	FinishRun(id string, out Outcome) (*Run, error)
	CancelRun(id string) (*Run, error)

	Close() error
}

// RevisionID derives a revision id from the revision number and a content
// hash of the source, e.g. "000002-4f1c9a".
func RevisionID(revision int, source string) string {
	sum := blake3.Sum256([]byte(source))
	return fmt.Sprintf("%06d-%s", revision, hex.EncodeToString(sum[:3]))
}

// EncodeValue renders a value as JSON; null becomes the empty string.
func EncodeValue(v types.Value) string {
	if v.IsNull() {
		return ""
	}
	b, err := v.MarshalJSON()
	if err != nil {
		return ""
	}
	return string(b)
}

// DecodeValue parses a JSON text stored by EncodeValue.
func DecodeValue(s string) (types.Value, error) {
	if s == "" {
		return types.Null, nil
	}
	var raw interface{}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return types.Null, err
	}
	return types.ValueFromJSON(raw), nil
}

// finish fills the terminal fields of a run from a run outcome.
func finish(r *Run, out Outcome, now time.Time) {
	r.ExitCode = out.ExitCode
	r.Result = EncodeValue(out.Variables)
	r.Steps = out.Steps
	r.EndTime = now
	if out.Err != nil {
		r.State = RunFailed
		r.Error = EncodeValue(out.Err.ToValue())
		return
	}
	r.State = RunSucceeded
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s '%s' %w", kind, id, ErrNotFound)
}
