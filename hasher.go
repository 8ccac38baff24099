package concurrentutil

import (
	"hash/maphash"
	"math/bits"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// Hashable is the capability a key type can expose to supply its own hash.
// HashCode must be stable for the lifetime of the key and consistent with ==:
// equal keys must return equal hash codes.
type Hashable interface {
	comparable
	HashCode() uint64
}

// keyHasher computes the bucket hash of a key.
type keyHasher[K comparable] func(key K) uintptr

// HashString hashes s with xxhash and mixes in seed.
func HashString(s string, seed uintptr) uintptr {
	return mixHash(uintptr(xxhash.Sum64String(s)), seed)
}

// HashBytes hashes b with xxhash and mixes in seed.
func HashBytes(b []byte, seed uintptr) uintptr {
	return mixHash(uintptr(xxhash.Sum64(b)), seed)
}

// mixHash folds seed into h with a multiplicative mix so that the low bits,
// which select the bucket, depend on every bit of the input.
func mixHash(h, seed uintptr) uintptr {
	h ^= seed
	h *= hashPrime
	return h ^ (h >> (bits.UintSize / 2))
}

// spread improves hash distribution by XORing the original hash with its high bits.
func spread(h uintptr) uintptr {
	return h ^ (h >> 16)
}

// withSeed binds a caller-supplied hash function to the map seed.
func withSeed[K comparable](fn func(K, uintptr) uintptr, seed uintptr) keyHasher[K] {
	return func(key K) uintptr {
		return fn(key, seed)
	}
}

// hashableHasher uses the key's own HashCode.
func hashableHasher[K Hashable](seed uintptr) keyHasher[K] {
	return func(key K) uintptr {
		return mixHash(uintptr(key.HashCode()), seed)
	}
}

// defaultHasher picks the hash function for K. Integer keys hash to
// themselves (sequential ids distribute perfectly over power-of-two
// tables), strings go through xxhash, and everything else through the
// runtime's hash of comparable values.
func defaultHasher[K comparable](seed uintptr) keyHasher[K] {
	switch any(*new(K)).(type) {
	case uint, int, uintptr:
		return func(key K) uintptr {
			return *(*uintptr)(unsafe.Pointer(&key))
		}
	case uint64, int64:
		if bits.UintSize == 32 {
			return func(key K) uintptr {
				v := *(*uint64)(unsafe.Pointer(&key))
				return uintptr(v) ^ uintptr(v>>32)
			}
		}
		return func(key K) uintptr {
			return uintptr(*(*uint64)(unsafe.Pointer(&key)))
		}
	case uint32, int32:
		return func(key K) uintptr {
			return uintptr(*(*uint32)(unsafe.Pointer(&key)))
		}
	case uint16, int16:
		return func(key K) uintptr {
			return uintptr(*(*uint16)(unsafe.Pointer(&key)))
		}
	case uint8, int8:
		return func(key K) uintptr {
			return uintptr(*(*uint8)(unsafe.Pointer(&key)))
		}
	case string:
		return func(key K) uintptr {
			return HashString(*(*string)(unsafe.Pointer(&key)), seed)
		}
	default:
		ms := maphash.MakeSeed()
		return func(key K) uintptr {
			return uintptr(maphash.Comparable(ms, key))
		}
	}
}
