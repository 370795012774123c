package domain

// PgHashText reproduces PostgreSQL's hashtext() built-in (a seeded variant
// of Bob Jenkins' lookup3 "hash_any", as implemented in
// src/include/common/hashfn.h). ZenScraper never needs to compute the
// partition key in Go for production traffic: the claim query and the merge
// upsert both compute `hashtext(source_link)` inside the same SQL statement,
// which is what keeps both sides on the same shard. This exists only so unit
// tests can assert ContactRow.PartitionKey without a live Postgres instance.
//
// No third-party Go module implements PostgreSQL's specific hash_any
// variant, so this is one of the few pieces of ZenScraper that is
// necessarily hand-rolled rather than grounded on a pack dependency.
func PgHashText(s string) int32 {
	k := []byte(s)
	var a, b, c uint32
	a = 0x9e3779b9 + uint32(len(k)) + 3923095
	b, c = a, a

	for len(k) >= 12 {
		a += le32(k[0:4])
		b += le32(k[4:8])
		c += le32(k[8:12])
		a, b, c = mix(a, b, c)
		k = k[12:]
	}

	// The lowest byte of c is reserved for the length, so trailing bytes
	// land in c's upper three bytes, matching the server's little-endian
	// tail handling.
	switch len(k) {
	case 11:
		c += uint32(k[10]) << 24
		fallthrough
	case 10:
		c += uint32(k[9]) << 16
		fallthrough
	case 9:
		c += uint32(k[8]) << 8
		fallthrough
	case 8:
		b += le32(k[4:8])
		a += le32(k[0:4])
	case 7:
		b += uint32(k[6]) << 16
		fallthrough
	case 6:
		b += uint32(k[5]) << 8
		fallthrough
	case 5:
		b += uint32(k[4])
		fallthrough
	case 4:
		a += le32(k[0:4])
	case 3:
		a += uint32(k[2]) << 16
		fallthrough
	case 2:
		a += uint32(k[1]) << 8
		fallthrough
	case 1:
		a += uint32(k[0])
	case 0:
		// nothing left to add
	}
	_, _, c = final(a, b, c)
	return int32(c)
}

func mix(a, b, c uint32) (uint32, uint32, uint32) {
	a -= c
	a ^= rot(c, 4)
	c += b
	b -= a
	b ^= rot(a, 6)
	a += c
	c -= b
	c ^= rot(b, 8)
	b += a
	a -= c
	a ^= rot(c, 16)
	c += b
	b -= a
	b ^= rot(a, 19)
	a += c
	c -= b
	c ^= rot(b, 4)
	b += a
	return a, b, c
}

func final(a, b, c uint32) (uint32, uint32, uint32) {
	c ^= b
	c -= rot(b, 14)
	a ^= c
	a -= rot(c, 11)
	b ^= a
	b -= rot(a, 25)
	c ^= b
	c -= rot(b, 16)
	a ^= c
	a -= rot(c, 4)
	b ^= a
	b -= rot(a, 14)
	c ^= b
	c -= rot(b, 24)
	return a, b, c
}

func rot(x uint32, k uint) uint32 { return (x << k) | (x >> (32 - k)) }

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// PartitionKeyFor computes |PgHashText(link)| mod 32, the shard bucket a
// contact row lands in.
func PartitionKeyFor(link string) int32 {
	h := PgHashText(link)
	if h < 0 {
		h = -h
	}
	return h % 32
}
