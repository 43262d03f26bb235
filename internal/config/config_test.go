package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet() *pflag.FlagSet {
	return pflag.NewFlagSet("audyn", pflag.ContinueOnError)
}

func TestParse_RejectsNeitherOutNorArchiveRoot(t *testing.T) {
	_, err := Parse(newFlagSet(), []string{"--source", "239.1.1.1"})
	assert.Error(t, err)
}

func TestParse_RejectsBothOutAndArchiveRoot(t *testing.T) {
	_, err := Parse(newFlagSet(), []string{"-o", "a.wav", "--archive-root", "/tmp/a"})
	assert.Error(t, err)
}

func TestParse_RejectsMultiplePTPOptions(t *testing.T) {
	_, err := Parse(newFlagSet(), []string{"-o", "a.wav", "--ptp-device", "/dev/ptp0", "--ptp-software"})
	assert.Error(t, err)
}

func TestParse_CustomLayoutRequiresFormat(t *testing.T) {
	_, err := Parse(newFlagSet(), []string{"--archive-root", "/tmp/a", "--archive-layout", "custom"})
	assert.Error(t, err)

	cfg, err := Parse(newFlagSet(), []string{"--archive-root", "/tmp/a", "--archive-layout", "custom", "--archive-format", "%Y"})
	require.NoError(t, err)
	assert.Equal(t, "%Y", cfg.ArchiveFormat)
}

func TestParse_DefaultsApplied(t *testing.T) {
	cfg, err := Parse(newFlagSet(), []string{"-o", "out.wav"})
	require.NoError(t, err)
	assert.EqualValues(t, 5004, cfg.Port)
	assert.EqualValues(t, 96, cfg.PayloadType)
	assert.EqualValues(t, 48000, cfg.SampleRate)
	assert.EqualValues(t, 2, cfg.Channels)
	assert.Equal(t, "wav", cfg.OutputSuffix())
}

func TestParse_CBROverridesVBR(t *testing.T) {
	cfg, err := Parse(newFlagSet(), []string{"-o", "out.opus", "--cbr"})
	require.NoError(t, err)
	assert.False(t, cfg.VBR)
}

func TestParse_RejectsInvalidChannelCount(t *testing.T) {
	_, err := Parse(newFlagSet(), []string{"-o", "out.wav", "-c", "3"})
	assert.Error(t, err)
}

func TestOutputSuffix_FromArchiveSuffix(t *testing.T) {
	cfg, err := Parse(newFlagSet(), []string{"--archive-root", "/tmp/a", "--archive-suffix", "opus"})
	require.NoError(t, err)
	assert.Equal(t, "opus", cfg.OutputSuffix())
}
