package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
	"nfvcl.io/nfvcl/internal/pkg/logger"
	"nfvcl.io/nfvcl/internal/provider"
)

// ProviderType names the configurator in NotSupported errors.
const ProviderType = "ssh"

// VMConfigurator applies VM configurations by connecting to the VM's access
// IP with its credentials. Ansible configurations are uploaded and run with a
// local connection on the VM itself.
type VMConfigurator struct {
	client *Client
}

var _ provider.VMConfigurator = (*VMConfigurator)(nil)

// NewVMConfigurator returns a configurator over client.
func NewVMConfigurator(client *Client) *VMConfigurator {
	return &VMConfigurator{client: client}
}

// Configure applies cfg to vm.
func (v *VMConfigurator) Configure(ctx context.Context, vm *domain.VMResource, cfg domain.VMTargeted) (map[string]interface{}, error) {
	if vm == nil || vm.AccessIP == "" {
		return nil, apperrors.InvalidArgument("VM_NOT_REACHABLE", "target vm has no access ip")
	}
	switch c := cfg.(type) {
	case *domain.VMAnsibleConfiguration:
		return v.runPlaybook(ctx, vm, c)
	default:
		return nil, apperrors.NotSupported(ProviderType, "configure_vm:"+string(cfg.Kind()))
	}
}

func (v *VMConfigurator) playbookPath(name string) (string, error) {
	// IsLocal rejects absolute paths too; every playbook lives under PlaybookDir
	if !filepath.IsLocal(name) {
		return "", apperrors.InvalidArgument("PLAYBOOK_OUTSIDE_DIR", fmt.Sprintf("playbook %q escapes the playbook directory", name))
	}
	return filepath.Join(v.client.cfg.PlaybookDir, name), nil
}

func (v *VMConfigurator) runPlaybook(ctx context.Context, vm *domain.VMResource, conf *domain.VMAnsibleConfiguration) (map[string]interface{}, error) {
	if conf.Playbook == "" {
		return nil, apperrors.InvalidArgument("PLAYBOOK_REQUIRED", "ansible configuration has no playbook")
	}
	path, err := v.playbookPath(conf.Playbook)
	if err != nil {
		return nil, err
	}
	playbook, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playbook %s: %w", path, err)
	}
	vars := conf.Vars
	if vars == nil {
		vars = map[string]interface{}{}
	}
	rawVars, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("encode playbook vars: %w", err)
	}

	base := "/tmp/nfvcl-" + conf.ResourceID()
	pbFile, varsFile := base+".yml", base+".json"
	log := logger.L().With(zap.String(logger.FieldResourceID, vm.ResourceID()), zap.String("playbook", conf.Playbook))

	var output []byte
	err = v.client.Exec(ctx, vm.AccessIP, vm.Username, vm.Password, func(ctx context.Context, s Session) error {
		defer func() {
			if _, err := s.Run(ctx, "rm -f "+quote(pbFile)+" "+quote(varsFile), nil); err != nil {
				log.Debug("Removing uploaded playbook failed", zap.Error(err))
			}
		}()
		if _, err := s.Run(ctx, "umask 077 && cat > "+quote(pbFile), playbook); err != nil {
			return fmt.Errorf("upload playbook: %w", err)
		}
		if _, err := s.Run(ctx, "umask 077 && cat > "+quote(varsFile), rawVars); err != nil {
			return fmt.Errorf("upload playbook vars: %w", err)
		}
		cmd := strings.Join([]string{v.client.cfg.AnsibleCommand, "-i", "localhost,", "-c", "local", quote(pbFile), "-e", "@" + quote(varsFile)}, " ")
		out, err := s.Run(ctx, cmd, nil)
		output = out
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("configure vm %s with %s: %w", vm.ResourceID(), conf.Playbook, err)
	}
	log.Info("Playbook applied", zap.String("host", vm.AccessIP))
	return map[string]interface{}{
		"playbook": conf.Playbook,
		"host":     vm.AccessIP,
		"output":   string(output),
	}, nil
}
