package proxmox

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"nfvcl.io/nfvcl/internal/domain"
)

// Options captures driver configuration decoded from the VIM options.
type Options struct {
	NodeWhitelist    []string
	VMIDRange        VMIDRange
	VMMemOverheadMiB int64
	Storage          string
	MACPrefix        string
	ManagedTag       string
}

// VMIDRange describes the inclusive lower/upper bounds allowed for new VMs.
type VMIDRange struct {
	Lower uint64
	Upper uint64
}

// Credentials bundles the auth material required to talk to Proxmox.
type Credentials struct {
	TokenID               string
	Secret                string
	InsecureSkipTLSVerify bool
}

// parseOptions converts the VIM option map into a strongly typed Options struct.
func parseOptions(vim *domain.VIM) (Options, error) {
	if vim.Type != domain.VIMTypeProxmox {
		return Options{}, fmt.Errorf("expected proxmox vim, got %s", vim.Type)
	}

	encoded, err := yaml.Marshal(vim.Options)
	if err != nil {
		return Options{}, fmt.Errorf("marshal proxmox options: %w", err)
	}

	var spec struct {
		NodeWhitelist []string `yaml:"node_whitelist"`
		VMIDRange     *struct {
			Lower int64 `yaml:"lower"`
			Upper int64 `yaml:"upper"`
		} `yaml:"vmid_range"`
		VMMemOverheadMiB int64  `yaml:"vm_mem_overhead_mib"`
		Storage          string `yaml:"storage"`
		MACPrefix        string `yaml:"mac_prefix"`
		ManagedTag       string `yaml:"managed_tag"`
	}

	if len(vim.Options) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(encoded))
		dec.KnownFields(true)
		if err := dec.Decode(&spec); err != nil {
			return Options{}, fmt.Errorf("decode proxmox options: %w", err)
		}
	}

	opts := Options{
		NodeWhitelist:    append([]string(nil), spec.NodeWhitelist...),
		VMIDRange:        VMIDRange{Lower: 10000, Upper: 19999},
		VMMemOverheadMiB: spec.VMMemOverheadMiB,
		Storage:          spec.Storage,
		MACPrefix:        spec.MACPrefix,
		ManagedTag:       spec.ManagedTag,
	}
	if opts.Storage == "" {
		opts.Storage = "local-lvm"
	}
	if opts.ManagedTag == "" {
		opts.ManagedTag = "nfvcl"
	}

	if spec.VMIDRange != nil {
		if spec.VMIDRange.Lower <= 0 || spec.VMIDRange.Lower > spec.VMIDRange.Upper {
			return Options{}, fmt.Errorf("proxmox option vmid_range.lower must be positive and <= upper")
		}
		opts.VMIDRange = VMIDRange{Lower: uint64(spec.VMIDRange.Lower), Upper: uint64(spec.VMIDRange.Upper)}
	}
	return opts, nil
}

// credentialsFromVIM reads an API token as "<user>@<realm>!<token-id>" from
// the VIM username and its secret from the VIM token.
func credentialsFromVIM(vim *domain.VIM) (Credentials, error) {
	tokenID := strings.TrimSpace(vim.Username)
	if tokenID == "" {
		return Credentials{}, fmt.Errorf("vim %s missing api token id (username)", vim.Name)
	}
	secret := strings.TrimSpace(vim.Token)
	if secret == "" {
		secret = strings.TrimSpace(vim.Password)
	}
	if secret == "" {
		return Credentials{}, fmt.Errorf("vim %s missing api token secret", vim.Name)
	}
	return Credentials{TokenID: tokenID, Secret: secret, InsecureSkipTLSVerify: vim.Insecure}, nil
}

func generateNewVMID(existingVMIDs []uint64, r VMIDRange) (int, error) {
	if r.Upper < r.Lower {
		return 0, fmt.Errorf("invalid VMID range: lower=%d upper=%d", r.Lower, r.Upper)
	}
	span := r.Upper - r.Lower + 1

	used := make(map[uint64]struct{}, len(existingVMIDs))
	for _, id := range existingVMIDs {
		if id >= r.Lower && id <= r.Upper {
			used[id] = struct{}{}
		}
	}
	if uint64(len(used)) >= span {
		return 0, fmt.Errorf("no VMIDs available in range [%d,%d]", r.Lower, r.Upper)
	}

	start := r.Lower + rand.Uint64N(span)
	for i := uint64(0); i < span; i++ {
		candidate := start + i
		if candidate > r.Upper {
			candidate = r.Lower + (candidate - r.Upper - 1)
		}
		if _, taken := used[candidate]; !taken {
			return int(candidate), nil
		}
	}

	return 0, fmt.Errorf("no VMIDs available in range [%d,%d]", r.Lower, r.Upper)
}

// Generates a randomized MAC address
func generateRandomMAC(prefix string) string {
	b := [6]byte{
		byte(rand.Uint32N(256)),
		byte(rand.Uint32N(256)),
		byte(rand.Uint32N(256)),
		byte(rand.Uint32N(256)),
		byte(rand.Uint32N(256)),
		byte(rand.Uint32N(256)),
	}
	if prefix != "" {
		parts := strings.Split(prefix, ":")
		for i := 0; i < len(parts) && i < len(b); i++ {
			if parts[i] == "" {
				continue
			}
			if val, err := strconv.ParseUint(parts[i], 16, 8); err == nil {
				b[i] = byte(val)
			}
		}
	}
	b[0] &^= 0x01 // ensure unicast
	b[0] |= 0x02  // locally administered
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5])
}

func nicValue(mac, bridge string) string {
	return fmt.Sprintf("virtio=%s,bridge=%s", mac, bridge)
}
