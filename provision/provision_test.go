package provision

import (
	"context"
	"os/exec"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/p11fixture/tokenerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	calls [][]string
	fail  map[string]error
}

func (r *recorder) run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.calls = append(r.calls, append([]string{name}, args...))
	if err := r.fail[name]; err != nil {
		return []byte("Failed to erase token\n"), err
	}
	return []byte("ok"), nil
}

func TestTool(t *testing.T) {
	ctx := context.Background()
	erase, init, err := Commands(ProfilePKCS15)
	require.NoError(t, err)

	rec := &recorder{}
	tool := NewTool(erase, init).WithRunner(rec.run)
	assert.Equal(t, []string{"pkcs15-init", "-ET"}, tool.EraseCommand())
	assert.Equal(t, []string{"pkcs15-init", "-CT", "--no-so-pin"}, tool.InitCommand())

	require.NoError(t, Clear(ctx, tool))
	assert.Equal(t, [][]string{
		{"pkcs15-init", "-ET"},
		{"pkcs15-init", "-CT", "--no-so-pin"},
	}, rec.calls)
}

func TestToolFailure(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{
		fail: map[string]error{"erase-tool": errors.New("exit status 1")},
	}
	tool := NewTool([]string{"erase-tool", "-f"}, []string{"init-tool"}).WithRunner(rec.run)

	err := tool.Erase(ctx)
	require.Error(t, err)
	assert.Equal(t, "erase failed: erase-tool: exit status 1", err.Error())
	assert.True(t, errors.Is(err, tokenerr.ProvisioningError))
	assert.Contains(t, errors.GetAllDetails(err), "Failed to erase token\n")

	err = Clear(ctx, tool)
	require.Error(t, err)
	assert.Equal(t, "could not erase token: erase failed: erase-tool: exit status 1", err.Error())
	assert.True(t, errors.Is(err, tokenerr.ProvisioningError))
	// init is not attempted after failed erase
	assert.Len(t, rec.calls, 2)
	assert.Equal(t, []string{"erase-tool", "-f"}, rec.calls[1])
}

func TestToolSkipsEmptyStep(t *testing.T) {
	rec := &recorder{}
	tool := NewTool(nil, []string{"init-tool"}).WithRunner(rec.run)
	require.NoError(t, Clear(context.Background(), tool))
	assert.Equal(t, [][]string{{"init-tool"}}, rec.calls)
}

func TestExecRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found")
	}
	ctx := context.Background()

	out, err := ExecRunner(ctx, "sh", "-c", "echo hello; echo oops 1>&2")
	require.NoError(t, err)
	assert.Equal(t, "hello\noops\n", string(out))

	tool := NewTool([]string{"sh", "-c", "echo cannot erase; exit 3"}, nil)
	err = tool.Erase(ctx)
	require.Error(t, err)
	assert.Equal(t, "erase failed: sh: exit status 3", err.Error())
	assert.Contains(t, errors.GetAllDetails(err), "cannot erase\n")

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = ExecRunner(cctx, "sh", "-c", "sleep 5")
	assert.Error(t, err)
}

func TestCommands(t *testing.T) {
	erase, init, err := Commands("")
	require.NoError(t, err)
	assert.Equal(t, []string{"pkcs15-init", "-ET"}, erase)
	assert.Equal(t, []string{"pkcs15-init", "-CT", "--no-so-pin"}, init)

	erase, init, err = Commands(ProfileSoftHSM)
	require.NoError(t, err)
	assert.Empty(t, erase)
	assert.Equal(t,
		[]string{"softhsm2-util", "--init-token", "--token", "fixture", "--label", "fixture", "--so-pin", "00000000", "--pin", "00000000"},
		Expand(init, Params{Label: "fixture", SOPin: "00000000", UserPin: "12345"}))

	for _, p := range []string{ProfileModule, ProfileCustom} {
		erase, init, err = Commands(p)
		require.NoError(t, err)
		assert.Empty(t, erase)
		assert.Empty(t, init)
	}

	_, _, err = Commands("pkcs11-tool")
	assert.EqualError(t, err, `unsupported provisioning profile: "pkcs11-tool"`)
}

func TestExpand(t *testing.T) {
	assert.Nil(t, Expand(nil, Params{}))
	assert.Equal(t,
		[]string{"tool", "--slot", "3", "--serial={serial}x", "--pin", "12345"},
		Expand([]string{"tool", "--slot", "{slot}", "--serial={serial}x", "--pin", "{user_pin}"},
			Params{SlotID: 3, UserPin: "12345"}))
}

func TestRedact(t *testing.T) {
	assert.Equal(t,
		"softhsm2-util --init-token --so-pin *** --pin *** --label x",
		redact([]string{"softhsm2-util", "--init-token", "--so-pin", "1", "--pin", "2", "--label", "x"}))
	assert.Equal(t, "tool --pin=*** --so-pin=***", redact([]string{"tool", "--pin=1", "--so-pin=2"}))
}

type mockedProvisioner struct {
	mock.Mock
}

func (m *mockedProvisioner) Erase(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockedProvisioner) Init(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestClear(t *testing.T) {
	ctx := context.Background()

	p := &mockedProvisioner{}
	p.On("Erase", mock.Anything).Return(nil).Once()
	p.On("Init", mock.Anything).Return(errors.New("card not present")).Once()

	err := Clear(ctx, p)
	require.Error(t, err)
	assert.Equal(t, "could not init token: card not present", err.Error())
	assert.True(t, errors.Is(err, tokenerr.ProvisioningError))
	p.AssertExpectations(t)
}
