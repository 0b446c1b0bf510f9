package netsvc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePortRangeSinglePort(t *testing.T) {
	r, err := ParsePortRange("0.0.0.0:29900")
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", r.Host)
	require.Equal(t, 29900, r.MinPort)
	require.Equal(t, 29900, r.MaxPort)
	require.Equal(t, []int{29900}, r.Ports())
}

func TestParsePortRangeMultiPort(t *testing.T) {
	r, err := ParsePortRange("127.0.0.1:5000-5003")
	require.NoError(t, err)
	require.Equal(t, []int{5000, 5001, 5002, 5003}, r.Ports())
}

func TestParsePortRangeRejectsInverted(t *testing.T) {
	_, err := ParsePortRange("127.0.0.1:5003-5000")
	require.Error(t, err)
}

func TestParsePortRangeRejectsMalformed(t *testing.T) {
	_, err := ParsePortRange("not-an-address")
	require.Error(t, err)
}

func TestParsePortRangeRejectsOutOfRangePort(t *testing.T) {
	_, err := ParsePortRange("127.0.0.1:70000")
	require.Error(t, err)
}

func TestConfigValidateRejectsZeroBuffers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NetInputBufferSize = 0
	require.Error(t, cfg.validate())
}

func TestConfigValidateRejectsZeroTimeoutWhenAvailable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NetConnectionTimeoutAvailable = true
	cfg.NetConnectionTimeout = 0
	require.Error(t, cfg.validate())
}

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, DefaultConfig().validate())
}
