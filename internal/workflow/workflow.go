// Package workflow renders the job descriptors pushed into VPS repositories.
package workflow

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

const (
	// Path is where the descriptor lives inside the repository.
	Path          = ".github/workflows/" + File
	File          = "run.yml"
	Branch        = "main"
	CommitMessage = "Add VPS workflow"

	// ArtifactName and ResultEntry describe where the job writes its result line.
	ArtifactName = "result"
	ResultEntry  = "info.txt"

	MinDuration     = 1
	MaxDuration     = 360
	DefaultDuration = 60
	// TimeoutMargin keeps the job alive past tunnel setup.
	TimeoutMargin = 25

	tailscaleDuration = 360
	tailscaleTimeout  = 395

	DefaultNgrokRegion = "ap"
)

type PlanID string

const (
	Linux            PlanID = "ubuntu_web"
	WindowsWeb       PlanID = "win_web"
	WindowsRDP       PlanID = "win_rdp"
	WindowsTailscale PlanID = "win_tailscale"
)

var (
	ErrUnknownPlan   = errors.New("unknown plan")
	ErrInvalidParams = errors.New("invalid plan parameters")
)

//go:embed templates/*.yml
var templateFS embed.FS

var templates = template.Must(
	template.New("plans").
		Delims("[[", "]]").
		Option("missingkey=error").
		ParseFS(templateFS, "templates/*.yml"),
)

// Params is shared by every plan.
type Params struct {
	Password        string
	DurationMinutes int
	TimeoutMinutes  int
}

// Plan is a renderable job descriptor. The set of implementations is closed.
type Plan interface {
	ID() PlanID
	Name() string
	Runner() string
	Params() Params
	// RequiresAuth reports whether the end user must complete a device-auth step.
	RequiresAuth() bool
	Render() ([]byte, error)
	sealed()
}

type LinuxDesktop struct{ P Params }

type WindowsDesktop struct{ P Params }

type WindowsRemoteDesktop struct {
	P           Params
	NgrokToken  string
	NgrokRegion string
}

type WindowsMesh struct{ P Params }

func (LinuxDesktop) ID() PlanID         { return Linux }
func (WindowsDesktop) ID() PlanID       { return WindowsWeb }
func (WindowsRemoteDesktop) ID() PlanID { return WindowsRDP }
func (WindowsMesh) ID() PlanID          { return WindowsTailscale }

func (LinuxDesktop) Name() string         { return info[Linux].Name }
func (WindowsDesktop) Name() string       { return info[WindowsWeb].Name }
func (WindowsRemoteDesktop) Name() string { return info[WindowsRDP].Name }
func (WindowsMesh) Name() string          { return info[WindowsTailscale].Name }

func (LinuxDesktop) Runner() string         { return "ubuntu-latest" }
func (WindowsDesktop) Runner() string       { return "windows-latest" }
func (WindowsRemoteDesktop) Runner() string { return "windows-latest" }
func (WindowsMesh) Runner() string          { return "windows-latest" }

func (p LinuxDesktop) Params() Params         { return p.P }
func (p WindowsDesktop) Params() Params       { return p.P }
func (p WindowsRemoteDesktop) Params() Params { return p.P }
func (p WindowsMesh) Params() Params          { return p.P }

func (LinuxDesktop) RequiresAuth() bool         { return false }
func (WindowsDesktop) RequiresAuth() bool       { return false }
func (WindowsRemoteDesktop) RequiresAuth() bool { return false }
func (WindowsMesh) RequiresAuth() bool          { return true }

func (LinuxDesktop) sealed()         {}
func (WindowsDesktop) sealed()       {}
func (WindowsRemoteDesktop) sealed() {}
func (WindowsMesh) sealed()          {}

func (p LinuxDesktop) Render() ([]byte, error) {
	return render(p, renderData{Params: p.P})
}

func (p WindowsDesktop) Render() ([]byte, error) {
	return render(p, renderData{Params: p.P})
}

func (p WindowsRemoteDesktop) Render() ([]byte, error) {
	if !ngrokTokenPattern.MatchString(p.NgrokToken) {
		return nil, fmt.Errorf("%w: ngrok token is required", ErrInvalidParams)
	}
	if !validRegions[p.NgrokRegion] {
		return nil, fmt.Errorf("%w: unsupported ngrok region %q", ErrInvalidParams, p.NgrokRegion)
	}
	return render(p, renderData{Params: p.P, NgrokToken: p.NgrokToken, NgrokRegion: p.NgrokRegion})
}

func (p WindowsMesh) Render() ([]byte, error) {
	return render(p, renderData{Params: p.P})
}

// Info describes a plan for listings and create responses.
type Info struct {
	ID   PlanID `json:"id"`
	Name string `json:"name"`
}

var info = map[PlanID]Info{
	Linux:            {ID: Linux, Name: "Ubuntu Desktop"},
	WindowsWeb:       {ID: WindowsWeb, Name: "Windows Web"},
	WindowsRDP:       {ID: WindowsRDP, Name: "Windows RDP"},
	WindowsTailscale: {ID: WindowsTailscale, Name: "Windows Tailscale"},
}

func Lookup(id PlanID) (Info, bool) {
	i, ok := info[id]
	return i, ok
}

func Plans() []Info {
	return []Info{info[Linux], info[WindowsWeb], info[WindowsRDP], info[WindowsTailscale]}
}

// Secrets are the plan-specific tunnel settings supplied by the caller.
type Secrets struct {
	NgrokToken  string
	NgrokRegion string
}

// Window returns the effective duration and job timeout for a plan. The
// Tailscale plan always runs its fixed window; other plans clamp the request.
func Window(id PlanID, requestedMinutes int) (duration, timeout int) {
	if id == WindowsTailscale {
		return tailscaleDuration, tailscaleTimeout
	}
	// Zero means the caller did not ask for a duration.
	duration = requestedMinutes
	switch {
	case duration == 0:
		duration = DefaultDuration
	case duration < MinDuration:
		duration = MinDuration
	case duration > MaxDuration:
		duration = MaxDuration
	}
	return duration, duration + TimeoutMargin
}

// Build selects the plan variant for id and fills in its parameters.
func Build(id PlanID, password string, requestedMinutes int, secrets Secrets) (Plan, error) {
	duration, timeout := Window(id, requestedMinutes)
	p := Params{Password: password, DurationMinutes: duration, TimeoutMinutes: timeout}
	switch id {
	case Linux:
		return LinuxDesktop{P: p}, nil
	case WindowsWeb:
		return WindowsDesktop{P: p}, nil
	case WindowsRDP:
		region := strings.ToLower(strings.TrimSpace(secrets.NgrokRegion))
		if region == "" {
			region = DefaultNgrokRegion
		}
		return WindowsRemoteDesktop{P: p, NgrokToken: strings.TrimSpace(secrets.NgrokToken), NgrokRegion: region}, nil
	case WindowsTailscale:
		return WindowsMesh{P: p}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, id)
	}
}

var (
	passwordPattern   = regexp.MustCompile(`^[A-Za-z0-9@#_.-]{6,64}$`)
	ngrokTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{10,128}$`)
	validRegions      = map[string]bool{"us": true, "eu": true, "ap": true, "au": true, "sa": true, "jp": true, "in": true}
)

type renderData struct {
	Params
	NgrokToken  string
	NgrokRegion string
}

func (d renderData) Duration() int { return d.DurationMinutes }
func (d renderData) Timeout() int  { return d.TimeoutMinutes }

func render(p Plan, data renderData) ([]byte, error) {
	if !passwordPattern.MatchString(data.Password) {
		return nil, fmt.Errorf("%w: password has unsupported characters", ErrInvalidParams)
	}
	if data.DurationMinutes < MinDuration || data.TimeoutMinutes <= data.DurationMinutes {
		return nil, fmt.Errorf("%w: duration %d timeout %d", ErrInvalidParams, data.DurationMinutes, data.TimeoutMinutes)
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, string(p.ID())+".yml", data); err != nil {
		return nil, fmt.Errorf("render %s: %w", p.ID(), err)
	}
	if err := Validate(buf.Bytes(), p.Runner(), data.TimeoutMinutes); err != nil {
		return nil, fmt.Errorf("render %s: %w", p.ID(), err)
	}
	return buf.Bytes(), nil
}

type descriptor struct {
	Name string         `yaml:"name"`
	On   map[string]any `yaml:"on"`
	Jobs map[string]struct {
		RunsOn         string           `yaml:"runs-on"`
		TimeoutMinutes int              `yaml:"timeout-minutes"`
		Steps          []map[string]any `yaml:"steps"`
	} `yaml:"jobs"`
}

// Validate parses a rendered descriptor and checks the fields the poller and
// reconciler rely on: manual dispatch, the runner, the job timeout and an
// upload of the result artifact.
func Validate(doc []byte, runner string, timeout int) error {
	var d descriptor
	if err := yaml.Unmarshal(doc, &d); err != nil {
		return fmt.Errorf("descriptor is not valid yaml: %w", err)
	}
	if _, ok := d.On["workflow_dispatch"]; !ok {
		return errors.New("descriptor lacks workflow_dispatch trigger")
	}
	if len(d.Jobs) != 1 {
		return fmt.Errorf("descriptor has %d jobs, want 1", len(d.Jobs))
	}
	for name, job := range d.Jobs {
		if job.RunsOn != runner {
			return fmt.Errorf("job %s runs on %q, want %q", name, job.RunsOn, runner)
		}
		if job.TimeoutMinutes != timeout {
			return fmt.Errorf("job %s timeout %d, want %d", name, job.TimeoutMinutes, timeout)
		}
		uploads := 0
		for _, step := range job.Steps {
			uses, _ := step["uses"].(string)
			if !strings.HasPrefix(uses, "actions/upload-artifact@") {
				continue
			}
			with, _ := step["with"].(map[string]any)
			if with["name"] == ArtifactName {
				uploads++
			}
		}
		if uploads == 0 {
			return fmt.Errorf("job %s never uploads the %s artifact", name, ArtifactName)
		}
	}
	return nil
}
