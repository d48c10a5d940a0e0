package stackwalk

import (
	"math/rand"
	"testing"

	"github.com/tombergan/dumpwalk/dumpfile"
)

// randomStack fills a stack with a mix of zeros, return addresses, and
// pointers back into the stack, which makes cycles likely.
func randomStack(r *rand.Rand, arch dumpfile.Arch) (*stackBuilder, dumpfile.Context) {
	s := newStack(arch, stackBase, stackSize)
	ws := s.ws()
	for addr := uint64(stackBase); addr+ws <= stackBase+stackSize; addr += ws {
		switch r.Intn(4) {
		case 0:
			s.put(addr, textBase+uint64(r.Intn(textSize)))
		case 1:
			s.put(addr, stackBase+uint64(r.Intn(stackSize))&^(ws-1))
		case 2:
			s.put(addr, r.Uint64())
		}
	}
	sp := stackBase + uint64(r.Intn(stackSize/2))&^(ws-1)
	fp := stackBase + uint64(r.Intn(stackSize))&^(ws-1)
	return s, makeContext(arch, textBase+uint64(r.Intn(textSize)), sp, fp)
}

func TestRandomStacks(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	modules := textModules()
	for i := 0; i < 500; i++ {
		arch := allArchs[i%len(allArchs)]
		s, ctx := randomStack(r, arch)
		cfg := Config{MaxFrames: 1 + r.Intn(64), MaxFramesScanned: r.Intn(8) - 1}
		stack := New(ctx, s.memory(), modules, cfg).Walk()
		checkInvariants(t, arch.String(), stack, cfg, modules)
	}
}

func FuzzWalk(f *testing.F) {
	f.Add(int64(0), uint8(0))
	f.Add(int64(7), uint8(3))
	f.Fuzz(func(t *testing.T, seed int64, archIndex uint8) {
		r := rand.New(rand.NewSource(seed))
		arch := allArchs[int(archIndex)%len(allArchs)]
		s, ctx := randomStack(r, arch)
		modules := textModules()
		cfg := Config{MaxFrames: 256}
		stack := New(ctx, s.memory(), modules, cfg).Walk()
		checkInvariants(t, arch.String(), stack, cfg, modules)
	})
}
