package config

import (
	"fmt"
	"time"
)

// Job defaults.
const (
	DefaultHistoryMaxCount = 256
	DefaultSkipExpandEnv   = false
	DefaultDiscardOutput   = false
	DefaultHideOutput      = false
)

// JobConfig is the definition of a single job.
type JobConfig struct {
	Name        string            `json:"name" yaml:"name" validate:"required"`
	Description string            `json:"description" yaml:"description"`
	// Schedule is a cron expression or descriptor (@every 1m, @daily).
	// Empty means the job only runs on demand.
	Schedule string            `json:"schedule" yaml:"schedule"`
	Exec     []string          `json:"exec" yaml:"exec" validate:"required,min=1,dive,required"`
	Labels   map[string]string `json:"labels" yaml:"labels"`

	Timeout             Duration `json:"timeout" yaml:"timeout"`
	ShutdownGracePeriod Duration `json:"shutdownGracePeriod" yaml:"shutdownGracePeriod"`
	Disabled            *bool    `json:"disabled" yaml:"disabled"`

	HistoryDisabled *bool    `json:"historyDisabled" yaml:"historyDisabled"`
	HistoryMaxCount *int     `json:"historyMaxCount" yaml:"historyMaxCount" validate:"omitempty,gte=0"`
	HistoryMaxAge   Duration `json:"historyMaxAge" yaml:"historyMaxAge"`

	// SkipExpandEnv skips expanding $VARS in the exec arguments.
	SkipExpandEnv *bool `json:"skipExpandEnv" yaml:"skipExpandEnv"`
	// DiscardOutput skips capturing output into the invocation history.
	DiscardOutput *bool `json:"discardOutput" yaml:"discardOutput"`
	// HideOutput skips copying output to the log.
	HideOutput *bool `json:"hideOutput" yaml:"hideOutput"`
	// TTY runs the command on a pseudo-terminal so it keeps its colors.
	TTY *bool `json:"tty" yaml:"tty"`

	Parameters    []Parameter            `json:"parameters" yaml:"parameters" validate:"dive"`
	Notifications JobNotificationsConfig `json:"notifications" yaml:"notifications"`
}

// Validate checks what struct tags cannot express.
func (jc JobConfig) Validate() error {
	for _, p := range jc.Parameters {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("job %s: %w", jc.Name, err)
		}
	}
	return nil
}

func (jc JobConfig) DisabledOrDefault() bool {
	if jc.Disabled != nil {
		return *jc.Disabled
	}
	return false
}

func (jc JobConfig) HistoryDisabledOrDefault() bool {
	if jc.HistoryDisabled != nil {
		return *jc.HistoryDisabled
	}
	return false
}

func (jc JobConfig) HistoryMaxCountOrDefault() int {
	if jc.HistoryMaxCount != nil {
		return *jc.HistoryMaxCount
	}
	return DefaultHistoryMaxCount
}

func (jc JobConfig) SkipExpandEnvOrDefault() bool {
	if jc.SkipExpandEnv != nil {
		return *jc.SkipExpandEnv
	}
	return DefaultSkipExpandEnv
}

func (jc JobConfig) DiscardOutputOrDefault() bool {
	if jc.DiscardOutput != nil {
		return *jc.DiscardOutput
	}
	return DefaultDiscardOutput
}

func (jc JobConfig) HideOutputOrDefault() bool {
	if jc.HideOutput != nil {
		return *jc.HideOutput
	}
	return DefaultHideOutput
}

func (jc JobConfig) TTYOrDefault() bool {
	return jc.TTY != nil && *jc.TTY
}

// Parameter is an input for a job invocation. Exactly one of Text, Select
// or Checkbox must be set.
type Parameter struct {
	Name     string             `json:"name" yaml:"name" validate:"required"`
	Label    string             `json:"label" yaml:"label"`
	Text     *ParameterText     `json:"text,omitempty" yaml:"text"`
	Select   []ParameterOption  `json:"select,omitempty" yaml:"select"`
	Checkbox *ParameterCheckbox `json:"checkbox,omitempty" yaml:"checkbox"`
}

func (p Parameter) Validate() error {
	set := 0
	if p.Text != nil {
		set++
	}
	if len(p.Select) > 0 {
		set++
	}
	if p.Checkbox != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("parameter %q: exactly one of text, select or checkbox must be set", p.Name)
	}
	return nil
}

// Default returns the value used when no value is supplied.
func (p Parameter) Default() string {
	switch {
	case p.Text != nil:
		return p.Text.Value
	case p.Checkbox != nil:
		if p.Checkbox.Checked {
			return "true"
		}
		return "false"
	case len(p.Select) > 0:
		return p.Select[0].Value
	}
	return ""
}

// Required reports whether a non-empty value must be supplied.
func (p Parameter) Required() bool {
	return p.Text != nil && p.Text.Required
}

type ParameterText struct {
	Placeholder string `json:"placeholder,omitempty" yaml:"placeholder"`
	Value       string `json:"value,omitempty" yaml:"value"`
	Required    bool   `json:"required,omitempty" yaml:"required"`
	Password    bool   `json:"password,omitempty" yaml:"password"`
}

type ParameterOption struct {
	Value string `json:"value" yaml:"value"`
	Text  string `json:"text" yaml:"text"`
}

type ParameterCheckbox struct {
	Checked bool `json:"checked" yaml:"checked"`
}

// Webhook is a per-job notification target.
type Webhook struct {
	Method  string            `json:"method" yaml:"method" validate:"omitempty,oneof=GET POST PUT PATCH"`
	URL     string            `json:"url" yaml:"url" validate:"omitempty,url"`
	Headers map[string]string `json:"headers" yaml:"headers"`
	// Body is a text/template rendered with the event.
	Body string `json:"body" yaml:"body"`
}

func (wh Webhook) IsZero() bool {
	return wh.URL == ""
}

func (wh Webhook) MethodOrDefault() string {
	if wh.Method != "" {
		return wh.Method
	}
	return "POST"
}

// JobNotificationsConfig selects which lifecycle transitions notify and
// where, on top of the global transports.
type JobNotificationsConfig struct {
	Webhook Webhook  `json:"webhook" yaml:"webhook"`
	Email   []string `json:"email" yaml:"email" validate:"dive,email"`
	Slack   string   `json:"slack" yaml:"slack" validate:"omitempty,url"`
	Ntfy    string   `json:"ntfy" yaml:"ntfy" validate:"omitempty,url"`

	OnBegin        *bool `json:"onBegin" yaml:"onBegin"`
	OnSuccess      *bool `json:"onSuccess" yaml:"onSuccess"`
	OnFailure      *bool `json:"onFailure" yaml:"onFailure"`
	OnCancellation *bool `json:"onCancellation" yaml:"onCancellation"`
	OnBroken       *bool `json:"onBroken" yaml:"onBroken"`
	OnFixed        *bool `json:"onFixed" yaml:"onFixed"`
	OnEnabled      *bool `json:"onEnabled" yaml:"onEnabled"`
	OnDisabled     *bool `json:"onDisabled" yaml:"onDisabled"`
}

func boolOr(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}

func (n JobNotificationsConfig) OnBeginOrDefault() bool        { return boolOr(n.OnBegin, false) }
func (n JobNotificationsConfig) OnSuccessOrDefault() bool      { return boolOr(n.OnSuccess, false) }
func (n JobNotificationsConfig) OnFailureOrDefault() bool      { return boolOr(n.OnFailure, true) }
func (n JobNotificationsConfig) OnCancellationOrDefault() bool { return boolOr(n.OnCancellation, true) }
func (n JobNotificationsConfig) OnBrokenOrDefault() bool       { return boolOr(n.OnBroken, true) }
func (n JobNotificationsConfig) OnFixedOrDefault() bool        { return boolOr(n.OnFixed, true) }
func (n JobNotificationsConfig) OnEnabledOrDefault() bool      { return boolOr(n.OnEnabled, false) }
func (n JobNotificationsConfig) OnDisabledOrDefault() bool     { return boolOr(n.OnDisabled, false) }

// Duration is a time.Duration that reads "90s" style strings from JSON and
// YAML. Plain JSON numbers are read as nanoseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		return nil
	}
	if len(s) >= 2 && s[0] == '"' {
		return d.parse(s[1 : len(s)-1])
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return fmt.Errorf("duration %s: %w", s, err)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
