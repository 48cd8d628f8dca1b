package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mivertowski/accelgo/gpuerr"
)

func TestUnifiedInitialValidity(t *testing.T) {
	a := testAllocator(t)

	u, err := AllocUnified[float32](a, Dim1(100))
	require.NoError(t, err)
	defer u.Dispose()

	hostValid, devValid := u.Coherence()
	assert.True(t, hostValid || devValid, "at least one side must always be valid")
	assert.Equal(t, LocationUnified, u.Location())
}

func TestUnifiedWriteInvalidatesOtherSide(t *testing.T) {
	a := testAllocator(t)

	u, err := AllocUnified[float32](a, Dim1(100))
	require.NoError(t, err)
	defer u.Dispose()

	host, err := u.HostWrite()
	require.NoError(t, err)
	host[5] = 42

	hostValid, devValid := u.Coherence()
	assert.True(t, hostValid)
	assert.False(t, devValid)

	require.NoError(t, u.EnsureDevice(nil))
	hostValid, devValid = u.Coherence()
	assert.True(t, hostValid)
	assert.True(t, devValid)
}

func TestUnifiedRoundTripThroughDevice(t *testing.T) {
	a := testAllocator(t)

	u, err := AllocUnified[float32](a, Dim1(100))
	require.NoError(t, err)
	defer u.Dispose()

	host, err := u.HostWrite()
	require.NoError(t, err)
	host[5] = 42

	require.NoError(t, u.EnsureDevice(nil))
	u.MarkDeviceDirty() // as the launch path does after a kernel mutation

	hostValid, devValid := u.Coherence()
	assert.False(t, hostValid)
	assert.True(t, devValid)

	require.NoError(t, u.EnsureHost(nil))
	got, err := u.HostRead()
	require.NoError(t, err)
	assert.Equal(t, float32(42), got[5])
}

func TestUnifiedReadSeesLastWriteFromEitherSide(t *testing.T) {
	a := testAllocator(t)

	u, err := AllocUnified[int32](a, Dim1(10))
	require.NoError(t, err)
	defer u.Dispose()

	// Write on the host side, then mutate the device copy directly and
	// confirm the host read migrates the fresher bytes.
	host, err := u.HostWrite()
	require.NoError(t, err)
	for i := range host {
		host[i] = int32(i)
	}
	require.NoError(t, u.EnsureDevice(nil))

	arg, err := u.KernelArg()
	require.NoError(t, err)
	patch := []int32{77}
	require.NoError(t, a.Driver().CopyHtoD(arg.Device, 0, hostPointer(asBytes(patch)), 4, 0))
	u.MarkDeviceDirty()

	require.NoError(t, u.EnsureHost(nil))
	got, err := u.HostRead()
	require.NoError(t, err)
	assert.Equal(t, int32(77), got[0])
	assert.Equal(t, int32(1), got[1])
}

func TestEnsureOnWrongLocation(t *testing.T) {
	a := testAllocator(t)

	dev, err := Alloc[float32](a, Dim1(10), HintGpuOptimized)
	require.NoError(t, err)
	defer dev.Dispose()
	err = dev.EnsureHost(nil)
	require.Error(t, err)
	assert.True(t, gpuerr.IsKind(err, gpuerr.KindInvalidArgument))

	host, err := Alloc[float32](a, Dim1(10), HintCpuOptimized)
	require.NoError(t, err)
	defer host.Dispose()
	err = host.EnsureDevice(nil)
	require.Error(t, err)
	require.NoError(t, host.EnsureHost(nil))
}

func TestUnifiedDisposedRejectsEnsure(t *testing.T) {
	a := testAllocator(t)

	u, err := AllocUnified[float32](a, Dim1(10))
	require.NoError(t, err)
	require.NoError(t, u.Dispose())

	require.Error(t, u.EnsureHost(nil))
	require.Error(t, u.EnsureDevice(nil))
	_, err = u.HostRead()
	require.Error(t, err)
}
