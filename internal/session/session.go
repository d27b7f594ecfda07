package session

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Status is the lifecycle state of a test session. It is owned by the
// registry and only changes through Store.UpdateStatus.
type Status int

const (
	Scheduled Status = iota
	Started
	Finished
)

var statusNames = map[Status]string{
	Scheduled: "SCHEDULED",
	Started:   "STARTED",
	Finished:  "FINISHED",
}

var statusFromName = map[string]Status{
	"SCHEDULED": Scheduled,
	"STARTED":   Started,
	"FINISHED":  Finished,
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	v, ok := statusFromName[name]
	if !ok {
		return fmt.Errorf("unknown session status %q", name)
	}
	*s = v
	return nil
}

// Keys of the session record that belong to the registry. A browser result
// payload can never overwrite them.
const (
	keyID          = "id"
	keyTestRun     = "testRun"
	keyTestFile    = "testFile"
	keyBrowser     = "browser"
	keyStatus      = "status"
	keyRequest404s = "request404s"
)

var reservedKeys = []string{keyID, keyTestRun, keyTestFile, keyBrowser, keyStatus, keyRequest404s}

// IsReservedKey reports whether key names a registry-owned field.
func IsReservedKey(key string) bool {
	return slices.Contains(reservedKeys, key)
}

// Session is one execution of one test file in one browser.
//
// Result holds whatever the browser reported when the session finished. It
// is flattened into the top-level JSON object, so a browser payload of
// {"passed": true} shows up as "passed" next to "id" and "status".
type Session struct {
	ID          string
	TestRun     int
	TestFile    string
	Browser     string
	Status      Status
	Request404s []string
	Result      map[string]json.RawMessage
}

// Clone returns a deep copy of the session so the copy can be mutated
// independently of the registry's record.
func (s *Session) Clone() *Session {
	c := *s
	if s.Request404s != nil {
		c.Request404s = slices.Clone(s.Request404s)
	}
	if s.Result != nil {
		c.Result = make(map[string]json.RawMessage, len(s.Result))
		for k, v := range s.Result {
			c.Result[k] = slices.Clone(v)
		}
	}
	return &c
}

// HasRequest404 reports whether url was already recorded as missing.
func (s *Session) HasRequest404(url string) bool {
	return slices.Contains(s.Request404s, url)
}

// MergeResult copies the browser-reported fields into the session's result.
// Registry-owned keys are skipped and returned so the caller can log them.
func (s *Session) MergeResult(payload map[string]json.RawMessage) (skipped []string) {
	if len(payload) == 0 {
		return nil
	}
	if s.Result == nil {
		s.Result = make(map[string]json.RawMessage, len(payload))
	}
	for k, v := range payload {
		if IsReservedKey(k) {
			skipped = append(skipped, k)
			continue
		}
		s.Result[k] = slices.Clone(v)
	}
	slices.Sort(skipped)
	return skipped
}

// Passed returns the browser-reported "passed" flag. ok is false when the
// browser did not report it or reported something other than a boolean.
func (s *Session) Passed() (passed, ok bool) {
	raw, found := s.Result["passed"]
	if !found {
		return false, false
	}
	if err := json.Unmarshal(raw, &passed); err != nil {
		return false, false
	}
	return passed, true
}

// TestError is the shape browsers use to report a failure.
type TestError struct {
	Message string `json:"message"`
	Name    string `json:"name,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// Errors decodes the browser-reported "errors" list. Malformed entries yield
// an empty result.
func (s *Session) Errors() []TestError {
	raw, found := s.Result["errors"]
	if !found {
		return nil
	}
	var errs []TestError
	if err := json.Unmarshal(raw, &errs); err != nil {
		return nil
	}
	return errs
}

func (s *Session) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Result)+len(reservedKeys))
	for k, v := range s.Result {
		out[k] = v
	}
	request404s := s.Request404s
	if request404s == nil {
		request404s = []string{}
	}
	out[keyID] = s.ID
	out[keyTestRun] = s.TestRun
	out[keyTestFile] = s.TestFile
	out[keyBrowser] = s.Browser
	out[keyStatus] = s.Status
	out[keyRequest404s] = request404s
	return json.Marshal(out)
}

func (s *Session) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	decoded := Session{}
	targets := map[string]any{
		keyID:          &decoded.ID,
		keyTestRun:     &decoded.TestRun,
		keyTestFile:    &decoded.TestFile,
		keyBrowser:     &decoded.Browser,
		keyStatus:      &decoded.Status,
		keyRequest404s: &decoded.Request404s,
	}
	for k, raw := range fields {
		target, reserved := targets[k]
		if !reserved {
			if decoded.Result == nil {
				decoded.Result = make(map[string]json.RawMessage)
			}
			decoded.Result[k] = raw
			continue
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
	}
	*s = decoded
	return nil
}
