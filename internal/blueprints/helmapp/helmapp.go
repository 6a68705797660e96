// Package helmapp implements a blueprint installing one Helm chart on an
// area's Kubernetes cluster.
package helmapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"

	"go.uber.org/zap"

	"nfvcl.io/nfvcl/internal/blueprint"
	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
)

// Type is the blueprint type tag.
const Type = "helmapp"

const defaultTailLines = 200

// Config is the create and update request of an app.
type Config struct {
	Area        int                    `json:"area"`
	Name        string                 `json:"name"`
	Chart       string                 `json:"chart"`
	ChartAsPath bool                   `json:"chart_as_path,omitempty"`
	Repo        string                 `json:"repo,omitempty"`
	Version     string                 `json:"version,omitempty"`
	Namespace   string                 `json:"namespace,omitempty"`
	Values      map[string]interface{} `json:"values,omitempty"`
	// MultusNetwork reserves an address on the named network and passes it
	// to the chart as values.multus.
	MultusNetwork string `json:"multus_network,omitempty"`
}

// Validate implements blueprint.Validator.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("release name is required")
	}
	if c.Chart == "" {
		return errors.New("chart is required")
	}
	if c.ChartAsPath && c.Repo != "" {
		return errors.New("a chart path cannot have a repository")
	}
	return nil
}

// State is the persisted state of an app.
type State struct {
	Chart  domain.Ref[*domain.HelmChartResource] `json:"chart"`
	Multus *domain.MultusInterface               `json:"multus,omitempty"`
}

// References implements blueprint.Referencer.
func (s *State) References() []domain.Reference {
	return []domain.Reference{&s.Chart}
}

// Definition returns the helmapp blueprint type.
func Definition() *blueprint.Definition {
	return blueprint.Spec[State, Config]{
		Type:   Type,
		Create: create,
		Update: update,
		Functions: map[string]func(context.Context, *blueprint.Blueprint, *State, json.RawMessage) (interface{}, error){
			"update_values": blueprint.Body(updateValues),
			"restart":       blueprint.Body(restart),
			"logs":          blueprint.Body(logs),
			"exec":          blueprint.Body(execInPod),
		},
	}.Definition()
}

func create(ctx context.Context, b *blueprint.Blueprint, state *State, cfg *Config) error {
	chart := &domain.HelmChartResource{
		Name:        cfg.Name,
		Chart:       cfg.Chart,
		ChartAsPath: cfg.ChartAsPath,
		Repo:        cfg.Repo,
		Version:     cfg.Version,
		Namespace:   cfg.Namespace,
	}
	if chart.Namespace == "" {
		chart.Namespace = "nfvcl-" + strings.ToLower(b.ID())
	}
	chart.Area = cfg.Area
	if err := b.RegisterResource(ctx, chart); err != nil {
		return err
	}
	state.Chart = domain.RefTo(chart)

	values := maps.Clone(cfg.Values)
	if values == nil {
		values = map[string]interface{}{}
	}
	if cfg.MultusNetwork != "" {
		iface, err := b.Providers().ReserveMultusIP(ctx, cfg.Area, cfg.MultusNetwork)
		if err != nil {
			return fmt.Errorf("reserve multus address: %w", err)
		}
		state.Multus = iface
		values["multus"] = multusValues(iface)
	}

	if err := b.Providers().InstallHelmChart(ctx, chart, values); err != nil {
		return fmt.Errorf("install chart %s: %w", chart.Chart, err)
	}
	b.Logger().Info("Helm release installed",
		zap.String("release", chart.Name),
		zap.String("namespace", chart.Namespace),
	)
	return nil
}

func multusValues(iface *domain.MultusInterface) map[string]interface{} {
	v := map[string]interface{}{
		"network":    iface.Network,
		"ip":         iface.IP,
		"prefix_len": iface.PrefixLen,
	}
	if iface.Gateway != "" {
		v["gateway"] = iface.Gateway
	}
	return v
}

// update replaces the release values. The chart itself is fixed at create
// time.
func update(ctx context.Context, b *blueprint.Blueprint, state *State, cfg *Config) error {
	chart := state.Chart.Get()
	if cfg.Name != chart.Name || cfg.Chart != chart.Chart || cfg.Area != chart.Area {
		return apperrors.InvalidArgument("HELM_RELEASE_IMMUTABLE", "the release name, chart and area cannot change")
	}
	return applyValues(ctx, b, state, maps.Clone(cfg.Values))
}

func applyValues(ctx context.Context, b *blueprint.Blueprint, state *State, values map[string]interface{}) error {
	if values == nil {
		values = map[string]interface{}{}
	}
	if state.Multus != nil {
		values["multus"] = multusValues(state.Multus)
	}
	chart := state.Chart.Get()
	if err := b.Providers().UpdateValuesHelmChart(ctx, chart, values); err != nil {
		return fmt.Errorf("update values of release %s: %w", chart.Name, err)
	}
	return nil
}

// ValuesRequest is the body of update_values. Values are merged into the
// current ones at top level unless Replace is set.
type ValuesRequest struct {
	Values  map[string]interface{} `json:"values"`
	Replace bool                   `json:"replace,omitempty"`
}

func updateValues(ctx context.Context, b *blueprint.Blueprint, state *State, req *ValuesRequest) (interface{}, error) {
	values := req.Values
	if !req.Replace {
		values = maps.Clone(state.Chart.Get().Values)
		if values == nil {
			values = map[string]interface{}{}
		}
		maps.Copy(values, req.Values)
	}
	if err := applyValues(ctx, b, state, values); err != nil {
		return nil, err
	}
	return state.Chart.Get().Values, nil
}

// RestartRequest is the body of restart. An empty deployment restarts every
// deployment of the release.
type RestartRequest struct {
	Deployment string `json:"deployment,omitempty"`
}

func restart(ctx context.Context, b *blueprint.Blueprint, state *State, req *RestartRequest) (interface{}, error) {
	chart := state.Chart.Get()
	if req.Deployment == "" {
		if err := b.Providers().RestartAllDeployments(ctx, chart); err != nil {
			return nil, err
		}
		return map[string]string{"restarted": "all"}, nil
	}
	if err := b.Providers().RestartDeployment(ctx, chart, req.Deployment); err != nil {
		return nil, err
	}
	return map[string]string{"restarted": req.Deployment}, nil
}

// LogsRequest is the body of logs.
type LogsRequest struct {
	Pod       string `json:"pod"`
	TailLines int64  `json:"tail_lines,omitempty"`
}

// Validate implements blueprint.Validator.
func (r *LogsRequest) Validate() error {
	if r.Pod == "" {
		return errors.New("pod is required")
	}
	return nil
}

func logs(ctx context.Context, b *blueprint.Blueprint, state *State, req *LogsRequest) (interface{}, error) {
	tail := req.TailLines
	if tail <= 0 {
		tail = defaultTailLines
	}
	out, err := b.Providers().GetPodLog(ctx, state.Chart.Get(), req.Pod, tail)
	if err != nil {
		return nil, err
	}
	return map[string]string{"pod": req.Pod, "log": out}, nil
}

// ExecRequest is the body of exec.
type ExecRequest struct {
	Pod     string   `json:"pod"`
	Command []string `json:"command"`
}

// Validate implements blueprint.Validator.
func (r *ExecRequest) Validate() error {
	if r.Pod == "" {
		return errors.New("pod is required")
	}
	if len(r.Command) == 0 {
		return errors.New("command is required")
	}
	return nil
}

func execInPod(ctx context.Context, b *blueprint.Blueprint, state *State, req *ExecRequest) (interface{}, error) {
	return b.Providers().ExecCommandInPod(ctx, state.Chart.Get(), req.Pod, req.Command)
}
