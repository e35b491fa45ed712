package zone

import (
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"incentives/core/events"
)

type staticChains map[common.Address][]common.Address

func (s staticChains) UplineChain(participant common.Address) []common.Address {
	return s[participant]
}

type seedRecorder struct {
	mu    sync.Mutex
	calls [][]common.Address
	zones []Zone
}

func (r *seedRecorder) Reevaluate(z Zone, seeds []common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.zones = append(r.zones, z)
	r.calls = append(r.calls, append([]common.Address(nil), seeds...))
}

func addr(n byte) common.Address {
	return common.BytesToAddress([]byte{0x20, n})
}

func maxVolume() *big.Int {
	return new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
}

func TestRecordVolumeCreditsUpline(t *testing.T) {
	a, b, c := addr(1), addr(2), addr(3)
	chains := staticChains{b: {a}, c: {b, a}}
	recorder := &events.Recorder{}
	seeds := &seedRecorder{}
	ledger := NewLedger(chains, WithEmitter(recorder), WithEvaluator(seeds))

	require.NoError(t, ledger.RecordVolume(c, big.NewInt(400), "Left"))

	require.Equal(t, "400", ledger.PersonalVolume(c, "Left").String())
	require.Equal(t, "0", ledger.TeamVolume(c, "Left").String())
	require.Equal(t, "400", ledger.TeamVolume(b, "Left").String())
	require.Equal(t, "400", ledger.TeamVolume(a, "Left").String())
	require.Equal(t, "0", ledger.PersonalVolume(a, "Left").String())

	recorded := recorder.OfType(events.TypeVolumeRecorded)
	require.Len(t, recorded, 3)
	first := recorded[0].(events.VolumeRecorded)
	require.Equal(t, events.VolumeKindPersonal, first.Kind)
	require.Equal(t, c, first.Participant)
	last := recorded[2].(events.VolumeRecorded)
	require.Equal(t, events.VolumeKindTeam, last.Kind)
	require.Equal(t, a, last.Participant)
	require.Equal(t, c, last.Source)

	require.Equal(t, [][]common.Address{{c, b, a}}, seeds.calls)
	require.Equal(t, []Zone{"Left"}, seeds.zones)
}

func TestZonesAreIndependent(t *testing.T) {
	a, b := addr(1), addr(2)
	ledger := NewLedger(staticChains{b: {a}})

	require.NoError(t, ledger.RecordVolume(b, big.NewInt(10), "Left"))
	require.NoError(t, ledger.RecordVolume(b, big.NewInt(7), "Right"))
	require.NoError(t, ledger.RecordVolume(b, big.NewInt(5), "Left"))

	require.Equal(t, "15", ledger.PersonalVolume(b, "Left").String())
	require.Equal(t, "7", ledger.PersonalVolume(b, "Right").String())
	require.Equal(t, "15", ledger.TeamVolume(a, "Left").String())
	require.Equal(t, []Zone{"Left", "Right"}, ledger.Zones(a))
	require.Empty(t, ledger.Zones(addr(9)))
	require.Equal(t, "0", ledger.TeamVolume(addr(9), "Left").String())
}

func TestRecordVolumeRejectsInvalidInput(t *testing.T) {
	ledger := NewLedger(nil, WithRegistry(NewStaticRegistry("Left", " ", "Right")))

	require.ErrorIs(t, ledger.RecordVolume(common.Address{}, big.NewInt(1), "Left"), ErrInvalidParticipant)
	require.ErrorIs(t, ledger.RecordVolume(addr(1), nil, "Left"), ErrInvalidAmount)
	require.ErrorIs(t, ledger.RecordVolume(addr(1), big.NewInt(0), "Left"), ErrInvalidAmount)
	require.ErrorIs(t, ledger.RecordVolume(addr(1), big.NewInt(-3), "Left"), ErrInvalidAmount)
	require.ErrorIs(t, ledger.RecordVolume(addr(1), big.NewInt(1), "Centre"), ErrInvalidZone)
	require.ErrorIs(t, ledger.RecordVolume(addr(1), big.NewInt(1), ""), ErrInvalidZone)
	require.ErrorIs(t, ledger.RecordVolume(addr(1), new(big.Int).Lsh(big.NewInt(1), 256), "Left"), ErrVolumeOverflow)
	require.Empty(t, ledger.Zones(addr(1)))
}

func TestStaticRegistryKeys(t *testing.T) {
	reg := NewStaticRegistry("Right", "Left", "")
	require.Equal(t, []Zone{"Left", "Right"}, reg.Keys())
	require.NoError(t, Validate(nil, "anything"))
	require.ErrorIs(t, Validate(reg, "left"), ErrInvalidZone)
}

func TestOverflowLeavesVolumesUntouched(t *testing.T) {
	a, b, c := addr(1), addr(2), addr(3)
	ledger := NewLedger(staticChains{b: {a}, c: {a}})

	require.NoError(t, ledger.RecordVolume(b, maxVolume(), "Left"))
	require.Equal(t, maxVolume().String(), ledger.TeamVolume(a, "Left").String())

	err := ledger.RecordVolume(c, big.NewInt(1), "Left")
	require.True(t, errors.Is(err, ErrVolumeOverflow))
	require.Equal(t, "0", ledger.PersonalVolume(c, "Left").String())
	require.Equal(t, maxVolume().String(), ledger.TeamVolume(a, "Left").String())
}

func TestConcurrentVolumeIsConserved(t *testing.T) {
	root := addr(1)
	chains := staticChains{}
	for i := byte(2); i < 12; i++ {
		chains[addr(i)] = []common.Address{root}
	}
	ledger := NewLedger(chains)

	var wg sync.WaitGroup
	for i := byte(2); i < 12; i++ {
		wg.Add(1)
		go func(p common.Address) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := ledger.RecordVolume(p, big.NewInt(2), "Left"); err != nil {
					t.Error(err)
					return
				}
			}
		}(addr(i))
	}
	wg.Wait()

	require.Equal(t, "1000", ledger.TeamVolume(root, "Left").String())
	for i := byte(2); i < 12; i++ {
		require.Equal(t, "100", ledger.PersonalVolume(addr(i), "Left").String())
	}
}
