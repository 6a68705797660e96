package k8s

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/release"
	"helm.sh/helm/v3/pkg/storage/driver"

	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
	"nfvcl.io/nfvcl/internal/pkg/logger"
)

// ReleaseSpec describes a chart to install.
type ReleaseSpec struct {
	Name      string
	Namespace string
	// Chart is a repository chart name, or a local path when ChartIsPath is set.
	Chart       string
	ChartIsPath bool
	Repo        string
	Version     string
	Values      map[string]interface{}
}

// ReleaseInfo is the outcome of a Helm operation.
type ReleaseInfo struct {
	Name      string
	Namespace string
	Revision  int
	Status    string
}

// HelmClient installs, upgrades and removes Helm releases on one cluster.
type HelmClient interface {
	Install(ctx context.Context, spec ReleaseSpec) (*ReleaseInfo, error)
	// UpgradeValues upgrades a release to new values, keeping its deployed chart.
	UpgradeValues(ctx context.Context, namespace, name string, values map[string]interface{}) (*ReleaseInfo, error)
	// Uninstall fails with ErrNotFound when the release does not exist.
	Uninstall(ctx context.Context, namespace, name string) error
}

// HelmConfig holds settings shared by every Helm action.
type HelmConfig struct {
	Timeout time.Duration
	// Driver is the Helm storage driver: secret, configmap or memory.
	Driver string
}

// NewHelmClient returns a HelmClient acting through the kubeconfig at
// kubeconfigPath, or the in-cluster configuration when it is empty.
func NewHelmClient(kubeconfigPath string, cfg HelmConfig) HelmClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.Driver == "" {
		cfg.Driver = "secret"
	}
	settings := cli.New()
	settings.KubeConfig = kubeconfigPath
	return &actionClient{settings: settings, cfg: cfg}
}

type actionClient struct {
	settings *cli.EnvSettings
	cfg      HelmConfig
}

func (c *actionClient) actionConfig(namespace string) (*action.Configuration, error) {
	ac := new(action.Configuration)
	log := logger.S().With(zap.String("namespace", namespace))
	if err := ac.Init(c.settings.RESTClientGetter(), namespace, c.cfg.Driver, func(format string, v ...interface{}) {
		log.Debugf(format, v...)
	}); err != nil {
		return nil, fmt.Errorf("initialize helm action config: %w", err)
	}
	return ac, nil
}

func (c *actionClient) Install(ctx context.Context, spec ReleaseSpec) (*ReleaseInfo, error) {
	ac, err := c.actionConfig(spec.Namespace)
	if err != nil {
		return nil, err
	}
	install := action.NewInstall(ac)
	install.ReleaseName = spec.Name
	install.Namespace = spec.Namespace
	install.CreateNamespace = true
	install.Timeout = c.cfg.Timeout
	install.Wait = true
	install.RepoURL = spec.Repo
	install.Version = spec.Version

	chartPath := spec.Chart
	if !spec.ChartIsPath {
		chartPath, err = install.LocateChart(spec.Chart, c.settings)
		if err != nil {
			return nil, fmt.Errorf("locate chart %s: %w", spec.Chart, err)
		}
	}
	chrt, err := loader.Load(chartPath)
	if err != nil {
		return nil, fmt.Errorf("load chart %s: %w", spec.Chart, err)
	}

	rel, err := install.RunWithContext(ctx, chrt, spec.Values)
	if err != nil {
		return nil, fmt.Errorf("install release %s/%s: %w", spec.Namespace, spec.Name, err)
	}
	return infoOf(rel), nil
}

func (c *actionClient) UpgradeValues(ctx context.Context, namespace, name string, values map[string]interface{}) (*ReleaseInfo, error) {
	ac, err := c.actionConfig(namespace)
	if err != nil {
		return nil, err
	}
	current, err := action.NewGet(ac).Run(name)
	if err != nil {
		if errors.Is(err, driver.ErrReleaseNotFound) {
			return nil, fmt.Errorf("release %s/%s: %w", namespace, name, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("get release %s/%s: %w", namespace, name, err)
	}

	upgrade := action.NewUpgrade(ac)
	upgrade.Namespace = namespace
	upgrade.Timeout = c.cfg.Timeout
	upgrade.Wait = true
	rel, err := upgrade.RunWithContext(ctx, name, current.Chart, values)
	if err != nil {
		return nil, fmt.Errorf("upgrade release %s/%s: %w", namespace, name, err)
	}
	return infoOf(rel), nil
}

func (c *actionClient) Uninstall(_ context.Context, namespace, name string) error {
	ac, err := c.actionConfig(namespace)
	if err != nil {
		return err
	}
	uninstall := action.NewUninstall(ac)
	uninstall.Timeout = c.cfg.Timeout
	if _, err := uninstall.Run(name); err != nil {
		if errors.Is(err, driver.ErrReleaseNotFound) || strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("release %s/%s: %w", namespace, name, apperrors.ErrNotFound)
		}
		return fmt.Errorf("uninstall release %s/%s: %w", namespace, name, err)
	}
	return nil
}

func infoOf(rel *release.Release) *ReleaseInfo {
	info := &ReleaseInfo{Name: rel.Name, Namespace: rel.Namespace, Revision: rel.Version}
	if rel.Info != nil {
		info.Status = rel.Info.Status.String()
	}
	return info
}
