package rfs

import "errors"

// HashCode identifies the directory-name hash family recorded in the
// superblock. A volume commits to exactly one family at format time; fsck's
// directory_check validates every stored name/offset pair against it.
type HashCode uint32

const (
	HashUnset HashCode = iota
	HashTea
	HashRupasov
	HashR5
)

func (h HashCode) String() string {
	switch h {
	case HashTea:
		return "tea"
	case HashRupasov:
		return "rupasov"
	case HashR5:
		return "r5"
	default:
		return "unset"
	}
}

// ParseHashName maps the mkfs/fsck `-h` flag's argument to a HashCode.
func ParseHashName(name string) (HashCode, error) {
	switch name {
	case "tea":
		return HashTea, nil
	case "rupasov":
		return HashRupasov, nil
	case "r5":
		return HashR5, nil
	default:
		return HashUnset, errors.New("rfs: unknown hash name " + name)
	}
}

// HashName computes the directory-entry hash of name under the given
// family. Only the low 31 bits are significant on disk; the 7 low bits of
// that are reserved as the collision generation counter (see GLOSSARY).
func HashName(code HashCode, name []byte) uint32 {
	switch code {
	case HashTea:
		return teaHash(name)
	case HashRupasov:
		return rupasovHash(name)
	case HashR5:
		return r5Hash(name)
	default:
		panic("rfs: HashName called with HashUnset")
	}
}

// r5Hash is the classic Bernstein-derived r5 hash used by early ReiserFS
// volumes.
func r5Hash(name []byte) uint32 {
	var h uint32 = 0
	for _, c := range name {
		h += uint32(c) << 6
		h += uint32(c) << 16
		h -= uint32(c)
	}
	return h & 0x7fffffff
}

// rupasovHash is Yury Rupasov's hash, the second historical family.
func rupasovHash(name []byte) uint32 {
	var h uint32 = 0
	for _, c := range name {
		h += uint32(c) << 4
		h += uint32(c) >> 4
		h *= 11
	}
	return h & 0x7fffffff
}

// teaHash implements the classic Tiny Encryption Algorithm based hash,
// ReiserFS's default since it distributes far better than r5/rupasov on
// structured (e.g. numeric) filenames.
func teaHash(name []byte) uint32 {
	const delta = 0x9E3779B9
	in := make([]uint32, 4)
	var buf [16]byte
	copy(buf[:], name)
	if len(name) > 16 {
		// Longer names are folded in 16-byte blocks, matching the
		// original's iterative "full_name" consumption.
		return teaHashLong(name)
	}
	for i := 0; i < 4; i++ {
		in[i] = uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
	}
	a, b, c, d := in[0], in[1], in[2], in[3]
	var sum uint32
	h0, h1 := uint32(0x9464a485), uint32(0x542e1a94)
	for i := 0; i < 16; i++ {
		sum += delta
		h0 += ((h1 << 4) + a) ^ (h1 + sum) ^ ((h1 >> 5) + b)
		h1 += ((h0 << 4) + c) ^ (h0 + sum) ^ ((h0 >> 5) + d)
	}
	return h0 & 0x7fffffff
}

func teaHashLong(name []byte) uint32 {
	h0, h1 := uint32(0x9464a485), uint32(0x542e1a94)
	const delta = 0x9E3779B9
	for off := 0; off < len(name); off += 16 {
		end := off + 16
		if end > len(name) {
			end = len(name)
		}
		var buf [16]byte
		copy(buf[:], name[off:end])
		a := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
		b := uint32(buf[4]) | uint32(buf[5])<<8 | uint32(buf[6])<<16 | uint32(buf[7])<<24
		c := uint32(buf[8]) | uint32(buf[9])<<8 | uint32(buf[10])<<16 | uint32(buf[11])<<24
		d := uint32(buf[12]) | uint32(buf[13])<<8 | uint32(buf[14])<<16 | uint32(buf[15])<<24
		var sum uint32
		for i := 0; i < 16; i++ {
			sum += delta
			h0 += ((h1 << 4) + a) ^ (h1 + sum) ^ ((h1 >> 5) + b)
			h1 += ((h0 << 4) + c) ^ (h0 + sum) ^ ((h0 >> 5) + d)
		}
	}
	return h0 & 0x7fffffff
}

// ErrAmbiguousHash is returned by InferHash when more than one hash family
// reproduces every sampled (name, storedOffset) pair. Per spec.md's open
// question, the repair engine must fail noisily here rather than guess.
var ErrAmbiguousHash = errors.New("rfs: directory hash is ambiguous between multiple families")

// InferHash is used by fsck when a superblock's hash code is HashUnset: it
// tries every candidate family against a sample of (name, storedOffset)
// pairs pulled from live directory entries and returns the unique family
// whose hash (masked to the high 24 bits, generation bits excluded)
// matches every sample.
func InferHash(samples []struct {
	Name         []byte
	StoredOffset uint32
}) (HashCode, error) {
	candidates := []HashCode{HashTea, HashRupasov, HashR5}
	var matched []HashCode
	for _, code := range candidates {
		ok := true
		for _, s := range samples {
			h := HashName(code, s.Name) &^ 0x7f
			if h != s.StoredOffset&^0x7f {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, code)
		}
	}
	switch len(matched) {
	case 0:
		return HashUnset, errors.New("rfs: no hash family reproduces the sampled directory entries")
	case 1:
		return matched[0], nil
	default:
		return HashUnset, ErrAmbiguousHash
	}
}
