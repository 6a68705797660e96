// Package vmchain implements a blueprint deploying one network and a set of
// VMs attached to it, each configured by an Ansible playbook.
package vmchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"

	"go.uber.org/zap"

	"nfvcl.io/nfvcl/internal/blueprint"
	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
)

// Type is the blueprint type tag.
const Type = "vmchain"

const (
	defaultImage    = "ubuntu2204"
	defaultUsername = "ubuntu"
	defaultPlaybook = "vmchain/base.yml"
)

var defaultFlavor = domain.VMFlavor{VCPUs: 2, MemoryMB: 2048, StorageGB: 16}

// NetworkSpec describes the chain network.
type NetworkSpec struct {
	Name    string `json:"name"`
	CIDR    string `json:"cidr"`
	Gateway string `json:"gateway,omitempty"`
}

// VMSpec describes one chain VM. Unset fields take defaults.
type VMSpec struct {
	Name     string          `json:"name"`
	Image    string          `json:"image,omitempty"`
	Flavor   domain.VMFlavor `json:"flavor"`
	Username string          `json:"username,omitempty"`
	Password string          `json:"password,omitempty"`
}

// Validate implements blueprint.Validator.
func (s *VMSpec) Validate() error {
	if s.Name == "" {
		return errors.New("vm name is required")
	}
	if s.Flavor.VCPUs < 0 || s.Flavor.MemoryMB < 0 || s.Flavor.StorageGB < 0 {
		return fmt.Errorf("vm %s: flavor values must not be negative", s.Name)
	}
	return nil
}

func (s VMSpec) withDefaults() VMSpec {
	if s.Image == "" {
		s.Image = defaultImage
	}
	if s.Flavor == (domain.VMFlavor{}) {
		s.Flavor = defaultFlavor
	}
	if s.Username == "" {
		s.Username = defaultUsername
	}
	return s
}

// Config is the create and update request of a chain.
type Config struct {
	Area     int                    `json:"area"`
	Network  NetworkSpec            `json:"network"`
	VMs      []VMSpec               `json:"vms"`
	Playbook string                 `json:"playbook,omitempty"`
	Vars     map[string]interface{} `json:"vars,omitempty"`
}

// Validate implements blueprint.Validator.
func (c *Config) Validate() error {
	if c.Network.Name == "" {
		return errors.New("network name is required")
	}
	if _, err := netip.ParsePrefix(c.Network.CIDR); err != nil {
		return fmt.Errorf("network cidr: %w", err)
	}
	if c.Network.Gateway != "" {
		if _, err := netip.ParseAddr(c.Network.Gateway); err != nil {
			return fmt.Errorf("network gateway: %w", err)
		}
	}
	if c.Playbook != "" && !filepath.IsLocal(c.Playbook) {
		return fmt.Errorf("playbook %q must be relative to the playbook directory", c.Playbook)
	}
	if len(c.VMs) == 0 {
		return errors.New("at least one vm is required")
	}
	seen := make(map[string]bool, len(c.VMs))
	for i := range c.VMs {
		if err := c.VMs[i].Validate(); err != nil {
			return err
		}
		if seen[c.VMs[i].Name] {
			return fmt.Errorf("vm %s is listed twice", c.VMs[i].Name)
		}
		seen[c.VMs[i].Name] = true
	}
	return nil
}

// Member is one VM of the chain together with its configuration.
type Member struct {
	Name          string                                     `json:"name"`
	VM            domain.Ref[*domain.VMResource]             `json:"vm"`
	Configuration domain.Ref[*domain.VMAnsibleConfiguration] `json:"configuration"`
}

// State is the persisted state of a chain.
type State struct {
	Area     int                             `json:"area"`
	Network  domain.Ref[*domain.NetResource] `json:"network"`
	Members  []Member                        `json:"members"`
	Playbook string                          `json:"playbook"`
	Vars     map[string]interface{}          `json:"vars,omitempty"`
}

// References implements blueprint.Referencer.
func (s *State) References() []domain.Reference {
	refs := make([]domain.Reference, 0, 1+2*len(s.Members))
	refs = append(refs, &s.Network)
	for i := range s.Members {
		refs = append(refs, &s.Members[i].VM, &s.Members[i].Configuration)
	}
	return refs
}

func (s *State) member(name string) (*Member, error) {
	for i := range s.Members {
		if s.Members[i].Name == name {
			return &s.Members[i], nil
		}
	}
	return nil, apperrors.InvalidArgument("VM_NOT_IN_CHAIN", fmt.Sprintf("vm %s is not part of the chain", name))
}

// Definition returns the vmchain blueprint type.
func Definition() *blueprint.Definition {
	return blueprint.Spec[State, Config]{
		Type:   Type,
		Create: create,
		Update: update,
		Functions: map[string]func(context.Context, *blueprint.Blueprint, *State, json.RawMessage) (interface{}, error){
			"add_vm":    blueprint.Body(addVM),
			"reboot_vm": blueprint.Body(rebootVM),
			"vm_status": blueprint.Body(vmStatus),
			"configure": blueprint.Body(configure),
		},
	}.Definition()
}

func create(ctx context.Context, b *blueprint.Blueprint, state *State, cfg *Config) error {
	state.Area = cfg.Area
	state.Playbook = cfg.Playbook
	if state.Playbook == "" {
		state.Playbook = defaultPlaybook
	}
	state.Vars = cfg.Vars

	net := &domain.NetResource{Name: cfg.Network.Name, CIDR: cfg.Network.CIDR, Gateway: cfg.Network.Gateway}
	net.Area = cfg.Area
	if err := b.RegisterResource(ctx, net); err != nil {
		return err
	}
	state.Network = domain.RefTo(net)
	if err := b.Providers().CreateNet(ctx, net); err != nil {
		return fmt.Errorf("create chain network %s: %w", net.Name, err)
	}

	for _, spec := range cfg.VMs {
		if _, err := deployMember(ctx, b, state, spec); err != nil {
			return err
		}
	}
	_, err := applyAll(ctx, b, state, nil)
	return err
}

// update deploys the VMs new in cfg and destroys those no longer listed.
// The network is fixed at create time.
func update(ctx context.Context, b *blueprint.Blueprint, state *State, cfg *Config) error {
	net := state.Network.Get()
	if cfg.Network.Name != net.Name || cfg.Network.CIDR != net.CIDR || cfg.Area != state.Area {
		return apperrors.InvalidArgument("CHAIN_NETWORK_IMMUTABLE", "the chain network and area cannot change")
	}
	if cfg.Playbook != "" {
		state.Playbook = cfg.Playbook
	}
	if cfg.Vars != nil {
		state.Vars = cfg.Vars
	}

	wanted := make(map[string]bool, len(cfg.VMs))
	for _, spec := range cfg.VMs {
		wanted[spec.Name] = true
	}
	var errs []error
	kept := state.Members[:0]
	for _, m := range state.Members {
		if wanted[m.Name] {
			kept = append(kept, m)
			continue
		}
		if err := removeMember(ctx, b, m); err != nil {
			errs = append(errs, err)
			kept = append(kept, m)
		}
	}
	state.Members = kept
	if err := errors.Join(errs...); err != nil {
		return err
	}

	var added []string
	for _, spec := range cfg.VMs {
		if _, err := state.member(spec.Name); err == nil {
			continue
		}
		if _, err := deployMember(ctx, b, state, spec); err != nil {
			return err
		}
		added = append(added, spec.Name)
	}
	if len(added) == 0 {
		return nil
	}
	_, err := applyAll(ctx, b, state, added)
	return err
}

// deployMember registers and creates one VM and registers its configuration.
// The member is recorded as soon as its VM is registered so a failed create
// still destroys it.
func deployMember(ctx context.Context, b *blueprint.Blueprint, state *State, spec VMSpec) (*Member, error) {
	spec = spec.withDefaults()
	vm := &domain.VMResource{
		Name:              fmt.Sprintf("%s_%s", b.ID(), spec.Name),
		Image:             spec.Image,
		Flavor:            spec.Flavor,
		Username:          spec.Username,
		Password:          spec.Password,
		ManagementNetwork: state.Network.Get().Name,
	}
	vm.Area = state.Area
	if err := b.RegisterResource(ctx, vm); err != nil {
		return nil, err
	}

	conf := &domain.VMAnsibleConfiguration{Playbook: state.Playbook}
	conf.Area = state.Area
	conf.VM = domain.RefTo(vm)
	if err := b.RegisterResource(ctx, conf); err != nil {
		_ = b.DeregisterResource(vm)
		return nil, err
	}
	state.Members = append(state.Members, Member{
		Name:          spec.Name,
		VM:            domain.RefTo(vm),
		Configuration: domain.RefTo(conf),
	})
	m := &state.Members[len(state.Members)-1]

	if err := b.Providers().CreateVM(ctx, vm); err != nil {
		return m, fmt.Errorf("create chain vm %s: %w", spec.Name, err)
	}
	b.Logger().Info("Chain VM created", zap.String("vm", spec.Name), zap.String("access_ip", vm.AccessIP))
	return m, nil
}

func removeMember(ctx context.Context, b *blueprint.Blueprint, m Member) error {
	vm := m.VM.Get()
	if vm.Created {
		if err := b.Providers().DestroyVM(ctx, vm); err != nil {
			return fmt.Errorf("destroy chain vm %s: %w", m.Name, err)
		}
	}
	_ = b.DeregisterResource(m.Configuration.Get())
	_ = b.DeregisterResource(vm)
	b.Logger().Info("Chain VM removed", zap.String("vm", m.Name))
	return nil
}

// applyAll runs the configuration of the named members, or of every member
// when names is empty, and returns the provider results by member name.
func applyAll(ctx context.Context, b *blueprint.Blueprint, state *State, names []string) (map[string]interface{}, error) {
	if len(names) == 0 {
		for _, m := range state.Members {
			names = append(names, m.Name)
		}
	}
	results := make(map[string]interface{}, len(names))
	for _, name := range names {
		m, err := state.member(name)
		if err != nil {
			return results, err
		}
		conf := m.Configuration.Get()
		conf.Vars = state.Vars
		out, err := b.Providers().ConfigureVM(ctx, conf)
		if err != nil {
			return results, fmt.Errorf("configure chain vm %s: %w", name, err)
		}
		conf.Applied = true
		results[name] = out
	}
	return results, nil
}

// AddVMResult is returned by add_vm.
type AddVMResult struct {
	VMID     string `json:"vm_id"`
	AccessIP string `json:"access_ip"`
}

func addVM(ctx context.Context, b *blueprint.Blueprint, state *State, spec *VMSpec) (interface{}, error) {
	if _, err := state.member(spec.Name); err == nil {
		return nil, apperrors.InvalidArgument("VM_ALREADY_IN_CHAIN", fmt.Sprintf("vm %s is already part of the chain", spec.Name))
	}
	m, err := deployMember(ctx, b, state, *spec)
	if err != nil {
		return nil, err
	}
	if _, err := applyAll(ctx, b, state, []string{spec.Name}); err != nil {
		return nil, err
	}
	vm := m.VM.Get()
	return AddVMResult{VMID: vm.ID, AccessIP: vm.AccessIP}, nil
}

// RebootRequest is the body of reboot_vm.
type RebootRequest struct {
	Name string `json:"name"`
	Hard bool   `json:"hard,omitempty"`
}

func rebootVM(ctx context.Context, b *blueprint.Blueprint, state *State, req *RebootRequest) (interface{}, error) {
	m, err := state.member(req.Name)
	if err != nil {
		return nil, err
	}
	if err := b.Providers().RebootVM(ctx, m.VM.Get(), req.Hard); err != nil {
		return nil, fmt.Errorf("reboot chain vm %s: %w", req.Name, err)
	}
	return map[string]string{"rebooted": req.Name}, nil
}

// StatusRequest is the body of vm_status. An empty name reports every VM.
type StatusRequest struct {
	Name string `json:"name,omitempty"`
}

func vmStatus(ctx context.Context, b *blueprint.Blueprint, state *State, req *StatusRequest) (interface{}, error) {
	members := state.Members
	if req.Name != "" {
		m, err := state.member(req.Name)
		if err != nil {
			return nil, err
		}
		members = []Member{*m}
	}
	out := make(map[string]*domain.VMStatusReport, len(members))
	for _, m := range members {
		report, err := b.Providers().CheckVMStatus(ctx, m.VM.Get())
		if err != nil {
			return nil, fmt.Errorf("check chain vm %s: %w", m.Name, err)
		}
		out[m.Name] = report
	}
	return out, nil
}

// ConfigureRequest is the body of configure. Vars replace the chain vars
// when set; an empty VM list configures every VM.
type ConfigureRequest struct {
	VMs  []string               `json:"vms,omitempty"`
	Vars map[string]interface{} `json:"vars,omitempty"`
}

func configure(ctx context.Context, b *blueprint.Blueprint, state *State, req *ConfigureRequest) (interface{}, error) {
	if req.Vars != nil {
		state.Vars = req.Vars
	}
	return applyAll(ctx, b, state, req.VMs)
}
