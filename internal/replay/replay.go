// Package replay drives an observer from a scripted sequence of events.
package replay

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"firestige.xyz/fieldtrace/internal/core"
	"firestige.xyz/fieldtrace/internal/observer"
	"firestige.xyz/fieldtrace/internal/recorder"
)

// Op names one observer event.
type Op string

const (
	OpWrite    Op = "write"
	OpRead     Op = "read"
	OpReady    Op = "ready"
	OpTransmit Op = "transmit"
	OpReceive  Op = "receive"
	OpAbort    Op = "abort"
)

// ErrInvalidScript is returned for scripts that cannot be decoded or
// contain an invalid step.
var ErrInvalidScript = errors.New("invalid replay script")

// Step is one scripted event. Which fields matter depends on Op.
type Step struct {
	Op         Op                `mapstructure:"op"`
	Direction  core.Direction    `mapstructure:"direction"`
	Buffer     observer.BufferID `mapstructure:"buffer"`
	Offset     uint64            `mapstructure:"offset"`
	Kind       core.FieldKind    `mapstructure:"kind"`
	Site       core.CallSiteID   `mapstructure:"site"`
	Data       []byte            `mapstructure:"data"`
	LengthHint *int              `mapstructure:"length_hint"`
}

// Script is a named list of steps.
type Script struct {
	Name  string `mapstructure:"name"`
	Steps []Step `mapstructure:"steps"`
}

// Load reads a script, choosing JSON or YAML by file extension.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	var format string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		format = "json"
	case ".yaml", ".yml":
		format = "yaml"
	default:
		return nil, fmt.Errorf("%w: unsupported extension %q", ErrInvalidScript, filepath.Ext(path))
	}

	sc, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if sc.Name == "" {
		sc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return sc, nil
}

// Parse decodes a script in the given format ("json" or "yaml"). The
// document is either a mapping with a steps list or a bare list of steps.
func Parse(data []byte, format string) (*Script, error) {
	var raw interface{}
	switch format {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
		}
	case "yaml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrInvalidScript, format)
	}

	if list, ok := raw.([]interface{}); ok {
		raw = map[string]interface{}{"steps": list}
	}

	var sc Script
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			stringToFieldKindHook,
			stringToDirectionHook,
			stringToBytesHook,
			stringToUintHook,
		),
		ErrorUnused: true,
		Result:      &sc,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}

	for i, st := range sc.Steps {
		if err := st.Validate(); err != nil {
			return nil, fmt.Errorf("%w: step %d: %v", ErrInvalidScript, i, err)
		}
	}
	return &sc, nil
}

// Validate checks that the step carries what its Op needs.
func (s Step) Validate() error {
	switch s.Op {
	case OpWrite, OpRead:
		return s.Kind.Validate()
	case OpReady, OpAbort:
		if !s.Direction.Valid() {
			return fmt.Errorf("%w: %q", core.ErrUnknownDirection, s.Direction)
		}
	case OpTransmit, OpReceive:
	case "":
		return errors.New("missing op")
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
	if s.LengthHint != nil && *s.LengthHint < 0 {
		return fmt.Errorf("negative length_hint %d", *s.LengthHint)
	}
	return nil
}

var (
	fieldKindType = reflect.TypeOf(core.FieldKind{})
	directionType = reflect.TypeOf(core.Direction(""))
	bytesType     = reflect.TypeOf([]byte(nil))
)

// hookString returns the text behind a string-kinded value. JSON numbers
// arrive as json.Number, which is string-kinded but not a plain string.
func hookString(data interface{}) (string, bool) {
	switch v := data.(type) {
	case string:
		return v, true
	case json.Number:
		return string(v), true
	default:
		return "", false
	}
}

func stringToFieldKindHook(f, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String || t != fieldKindType {
		return data, nil
	}
	s, ok := hookString(data)
	if !ok {
		return data, nil
	}
	return core.ParseFieldKind(s)
}

func stringToDirectionHook(f, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String || t != directionType {
		return data, nil
	}
	s, ok := hookString(data)
	if !ok {
		return data, nil
	}
	return core.ParseDirection(s)
}

// stringToBytesHook decodes hex payloads. Whitespace and a 0x prefix are
// ignored so dumps can be pasted as-is.
func stringToBytesHook(f, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String || t != bytesType {
		return data, nil
	}
	raw, ok := hookString(data)
	if !ok {
		return data, nil
	}
	s := strings.Join(strings.Fields(raw), "")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return b, nil
}

// stringToUintHook accepts "0x401000" style call sites, buffers and offsets.
func stringToUintHook(f, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String || t.Kind() != reflect.Uint64 {
		return data, nil
	}
	s, ok := hookString(data)
	if !ok {
		return data, nil
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return reflect.ValueOf(v).Convert(t).Interface(), nil
}

// Result counts what a run did.
type Result struct {
	Steps   int `json:"steps" yaml:"steps"`
	Fields  int `json:"fields" yaml:"fields"`
	Flushes int `json:"flushes" yaml:"flushes"`
	Aborts  int `json:"aborts" yaml:"aborts"`
}

// Run applies steps to obs in order and stops at the first completion that
// fails to persist.
func Run(obs observer.FieldObserver, steps []Step) (Result, error) {
	var res Result
	for i, st := range steps {
		var err error
		switch st.Op {
		case OpWrite:
			obs.OnFieldWrite(st.Buffer, st.Offset, st.Kind, st.Site)
			res.Fields++
		case OpRead:
			obs.OnFieldRead(st.Buffer, st.Offset, st.Kind, st.Site)
			res.Fields++
		case OpReady:
			obs.OnBufferReady(st.Direction, st.Buffer, recorder.Bytes(st.Data), st.LengthHint)
		case OpTransmit:
			err = obs.OnTransmitComplete(st.Buffer, st.Site)
			res.Flushes++
		case OpReceive:
			err = obs.OnReceiveComplete(st.Buffer, st.Site)
			res.Flushes++
		case OpAbort:
			err = obs.OnOperationAborted(st.Direction, st.Buffer, st.Site)
			res.Aborts++
		default:
			err = fmt.Errorf("%w: unknown op %q", ErrInvalidScript, st.Op)
		}
		res.Steps++
		if err != nil {
			return res, fmt.Errorf("step %d (%s): %w", i, st.Op, err)
		}
	}
	return res, nil
}
