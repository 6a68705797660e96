package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"nfvcl.io/nfvcl/internal/domain"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
)

type ranCommand struct {
	cmd   string
	stdin string
}

type fakeSession struct {
	mu     sync.Mutex
	ran    []ranCommand
	fail   map[string]error
	closed bool
}

func (s *fakeSession) Run(_ context.Context, cmd string, stdin []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ran = append(s.ran, ranCommand{cmd: cmd, stdin: string(stdin)})
	for prefix, err := range s.fail {
		if strings.HasPrefix(cmd, prefix) {
			return nil, err
		}
	}
	return []byte("ok " + cmd), nil
}

func (s *fakeSession) Close() error { s.closed = true; return nil }

type dialed struct {
	addr string
	cc   *ssh.ClientConfig
}

func newFakeClient(t *testing.T, cfg Config, sess *fakeSession) (*Client, *[]dialed) {
	t.Helper()
	var calls []dialed
	cfg.InsecureIgnoreHostKey = true
	c, err := New(cfg, WithDialer(func(_ context.Context, addr string, cc *ssh.ClientConfig) (Session, error) {
		calls = append(calls, dialed{addr: addr, cc: cc})
		return sess, nil
	}))
	require.NoError(t, err)
	return c, &calls
}

func targetVM() *domain.VMResource {
	vm := &domain.VMResource{Name: "vm1", Username: "ubuntu", Password: "secret", AccessIP: "10.0.0.5"}
	vm.ID = "vm1"
	return vm
}

func TestNew_RequiresHostKeyPolicy(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{KnownHostsFile: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)

	c, err := New(Config{InsecureIgnoreHostKey: true})
	require.NoError(t, err)
	require.Equal(t, 22, c.cfg.Port)
	require.Equal(t, "ansible-playbook", c.cfg.AnsibleCommand)
}

func TestVMConfigurator_RunsPlaybookOnVM(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "vmchain"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vmchain", "base.yml"), []byte("- hosts: all\n"), 0o600))

	sess := &fakeSession{}
	c, calls := newFakeClient(t, Config{Port: 2222, PlaybookDir: dir}, sess)

	conf := &domain.VMAnsibleConfiguration{Playbook: "vmchain/base.yml", Vars: map[string]interface{}{"mtu": 1400}}
	conf.ID = "conf1"
	vm := targetVM()
	conf.VM = domain.RefTo(vm)

	out, err := NewVMConfigurator(c).Configure(context.Background(), vm, conf)
	require.NoError(t, err)
	require.Equal(t, "vmchain/base.yml", out["playbook"])
	require.Equal(t, "10.0.0.5", out["host"])

	require.Len(t, *calls, 1)
	require.Equal(t, "10.0.0.5:2222", (*calls)[0].addr)
	require.Equal(t, "ubuntu", (*calls)[0].cc.User)
	require.Len(t, (*calls)[0].cc.Auth, 1)

	require.Len(t, sess.ran, 4)
	require.Equal(t, "umask 077 && cat > '/tmp/nfvcl-conf1.yml'", sess.ran[0].cmd)
	require.Equal(t, "- hosts: all\n", sess.ran[0].stdin)
	require.JSONEq(t, `{"mtu":1400}`, sess.ran[1].stdin)
	require.Equal(t, "ansible-playbook -i localhost, -c local '/tmp/nfvcl-conf1.yml' -e @'/tmp/nfvcl-conf1.json'", sess.ran[2].cmd)
	require.True(t, strings.HasPrefix(sess.ran[3].cmd, "rm -f "))
	require.True(t, sess.closed)
}

func TestVMConfigurator_AbsolutePlaybookStaysInDir(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "server-only.yml")
	require.NoError(t, os.WriteFile(outside, []byte("server-only-content"), 0o600))

	sess := &fakeSession{}
	c, calls := newFakeClient(t, Config{PlaybookDir: t.TempDir()}, sess)

	conf := &domain.VMAnsibleConfiguration{Playbook: outside}
	conf.ID = "conf1"
	_, err := NewVMConfigurator(c).Configure(context.Background(), targetVM(), conf)
	require.ErrorIs(t, err, apperrors.ErrBadRequest)
	require.Empty(t, *calls)
	for _, r := range sess.ran {
		require.NotContains(t, r.stdin, "server-only-content")
	}
}

func TestVMConfigurator_CleansUpWhenPlaybookFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "site.yml"), []byte("---\n"), 0o600))
	sess := &fakeSession{fail: map[string]error{"ansible-playbook": errors.New("exit status 2")}}
	c, _ := newFakeClient(t, Config{PlaybookDir: dir}, sess)

	conf := &domain.VMAnsibleConfiguration{Playbook: "site.yml"}
	conf.ID = "conf1"
	_, err := NewVMConfigurator(c).Configure(context.Background(), targetVM(), conf)
	require.ErrorContains(t, err, "exit status 2")
	require.True(t, strings.HasPrefix(sess.ran[len(sess.ran)-1].cmd, "rm -f "))
}

func TestVMConfigurator_RejectsBadTargets(t *testing.T) {
	sess := &fakeSession{}
	c, calls := newFakeClient(t, Config{PlaybookDir: t.TempDir()}, sess)
	v := NewVMConfigurator(c)
	ctx := context.Background()

	conf := &domain.VMAnsibleConfiguration{Playbook: "../etc/passwd"}
	_, err := v.Configure(ctx, targetVM(), conf)
	require.ErrorIs(t, err, apperrors.ErrBadRequest)

	unreachable := targetVM()
	unreachable.AccessIP = ""
	_, err = v.Configure(ctx, unreachable, &domain.VMAnsibleConfiguration{Playbook: "site.yml"})
	require.ErrorIs(t, err, apperrors.ErrBadRequest)

	require.Empty(t, *calls)
}

func TestPDUConfigurator_RunsCommandsInOrder(t *testing.T) {
	sess := &fakeSession{fail: map[string]error{"reboot": errors.New("denied")}}
	c, calls := newFakeClient(t, Config{}, sess)
	p := NewPDUConfigurator(c, "linux")
	require.Equal(t, "linux", p.PDUType())

	pdu := &domain.PDU{Name: "pdu1", IPs: []string{"10.0.1.2", "10.0.1.3"}, Username: "admin", Password: "pw"}
	raw, err := p.Configure(context.Background(), pdu, json.RawMessage(`{"commands":["ip link","uptime"]}`))
	require.NoError(t, err)

	var res PDUOutputs
	require.NoError(t, json.Unmarshal(raw, &res))
	require.Equal(t, PDUOutputs{Host: "10.0.1.2", Outputs: []string{"ok ip link", "ok uptime"}}, res)
	require.Equal(t, "10.0.1.2:22", (*calls)[0].addr)
	require.Equal(t, "admin", (*calls)[0].cc.User)

	_, err = p.Configure(context.Background(), pdu, json.RawMessage(`{"commands":["reboot","uptime"]}`))
	require.ErrorContains(t, err, "denied")
	require.Equal(t, "reboot", sess.ran[len(sess.ran)-1].cmd)
}

func TestPDUConfigurator_RejectsBadPayload(t *testing.T) {
	c, calls := newFakeClient(t, Config{}, &fakeSession{})
	p := NewPDUConfigurator(c, "linux")
	ctx := context.Background()
	pdu := &domain.PDU{Name: "pdu1", IPs: []string{"10.0.1.2"}}

	for _, payload := range []string{`{}`, `{"cmds":["x"]}`, `not json`} {
		_, err := p.Configure(ctx, pdu, json.RawMessage(payload))
		require.ErrorIs(t, err, apperrors.ErrBadRequest, payload)
	}
	_, err := p.Configure(ctx, &domain.PDU{Name: "bare"}, json.RawMessage(`{"commands":["x"]}`))
	require.ErrorIs(t, err, apperrors.ErrBadRequest)
	require.Empty(t, *calls)
}

func TestQuote(t *testing.T) {
	require.Equal(t, `'it'\''s'`, quote("it's"))
}

func TestDialSSH_SilentHostTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	t.Cleanup(func() {
		select {
		case conn := <-accepted:
			_ = conn.Close()
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	cc := &ssh.ClientConfig{User: "ubuntu", HostKeyCallback: ssh.InsecureIgnoreHostKey(), Timeout: 10 * time.Second}

	start := time.Now()
	_, err = dialSSH(ctx, ln.Addr().String(), cc)
	require.ErrorContains(t, err, "ssh handshake")
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestHandshakeDeadline(t *testing.T) {
	require.True(t, handshakeDeadline(context.Background(), 0).IsZero())

	d := handshakeDeadline(context.Background(), time.Minute)
	require.WithinDuration(t, time.Now().Add(time.Minute), d, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	dl, _ := ctx.Deadline()
	require.Equal(t, dl, handshakeDeadline(ctx, time.Minute))
}
