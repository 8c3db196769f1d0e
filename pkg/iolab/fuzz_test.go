// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package iolab

import (
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// newFuzzRng creates a new random number generator and logs the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

// randomNoise returns bytes that can never start a record
func randomNoise(rng *rand.Rand, n int) []byte {
	noise := make([]byte, n)
	for i := range noise {
		b := byte(rng.Intn(256))
		if b == StartByte {
			b = 0xFF
		}
		noise[i] = b
	}
	return noise
}

func randomRecord(rng *rand.Rand) *Record {
	t := DefaultTypeOrder[rng.Intn(len(DefaultTypeOrder))]
	payload := make([]byte, rng.Intn(40))
	rng.Read(payload)
	return NewRecord(t, payload)
}

// ============================================================
// Framer Fuzz Tests
// ============================================================

// TestFuzz_FramerNoiseAndChunking builds streams of valid records separated by
// noise, delivers them in random chunks and checks every record comes out
// exactly once and in order
func TestFuzz_FramerNoiseAndChunking(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()

	for round := 0; round < rounds; round++ {
		var stream []byte
		var want []*Record
		for n := rng.Intn(10); n >= 0; n-- {
			stream = append(stream, randomNoise(rng, rng.Intn(8))...)
			r := randomRecord(rng)
			want = append(want, r)
			stream = append(stream, r.Bytes()...)
		}

		f, err := NewFramer(discardLogger())
		require.NoError(t, err)

		var got []*Record
		prevCursor := 0
		for end := 0; end < len(stream); {
			end += 1 + rng.Intn(24)
			if end > len(stream) {
				end = len(stream)
			}
			res := f.Frame(stream[:end])
			got = append(got, res.Records...)

			require.GreaterOrEqual(t, f.Cursor(), prevCursor, "round %d: cursor moved backwards", round)
			require.LessOrEqual(t, f.Cursor(), end, "round %d: cursor past data", round)
			prevCursor = f.Cursor()
		}

		require.Len(t, got, len(want), "round %d", round)
		for i := range want {
			assert.True(t, want[i].Equal(got[i]), "round %d record %d: want %s got %s", round, i, want[i], got[i])
		}
		assert.Equal(t, len(stream), f.Cursor(), "round %d", round)
	}
}

// TestFuzz_FramerRandomBytes feeds arbitrary bytes and checks the framer never
// panics and every emitted record is well formed
func TestFuzz_FramerRandomBytes(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()

	for round := 0; round < rounds; round++ {
		stream := make([]byte, rng.Intn(512))
		rng.Read(stream)

		f, err := NewFramer(discardLogger())
		require.NoError(t, err)

		res := f.Frame(stream)
		for _, r := range res.Records {
			assert.True(t, f.Recognized(r.Type()), "round %d", round)
			assert.LessOrEqual(t, r.Length(), MaxPayloadSize, "round %d", round)
		}
		assert.LessOrEqual(t, f.Cursor(), len(stream), "round %d", round)

		// No new bytes means no new records
		again := f.Frame(stream)
		assert.Empty(t, again.Records, "round %d", round)
	}
}

// ============================================================
// Decoder Fuzz Tests
// ============================================================

// TestFuzz_DecodeDataRecord decodes random payloads against random maps and
// checks the decoder stays inside its input
func TestFuzz_DecodeDataRecord(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()
	known := KnownSensors()

	for round := 0; round < rounds; round++ {
		sensors := SensorMap{}
		for n := rng.Intn(4); n > 0; n-- {
			sensors[known[rng.Intn(len(known))]] = rng.Intn(13)
		}

		payload := make([]byte, rng.Intn(64))
		rng.Read(payload)

		rec, err := DecodeDataRecord(payload, sensors)
		if err == nil {
			assert.LessOrEqual(t, rec.Consumed, len(payload), "round %d", round)
		}
		for _, b := range rec.Blocks {
			assert.Contains(t, sensors, b.Sensor, "round %d", round)
			assert.Len(t, b.Data, b.Valid, "round %d", round)
			_, _ = ConvertSamples(b.Sensor, b.Data)
		}
	}
}

// TestFuzz_DecodeValidRecords builds records that match random layouts and
// checks they are consumed exactly
func TestFuzz_DecodeValidRecords(t *testing.T) {
	rng := newFuzzRng(t)
	rounds := getFuzzRounds()
	known := KnownSensors()

	for round := 0; round < rounds; round++ {
		sensors := SensorMap{}
		for n := 1 + rng.Intn(5); n > 0; n-- {
			id := known[rng.Intn(len(known))]
			size := SensorCategory(id).BlockSize()
			if size == 0 {
				size = 2
			}
			sensors[id] = size * (1 + rng.Intn(3))
		}

		payload := []byte{DefaultRemote, byte(rng.Intn(256)), byte(round), byte(len(sensors))}
		for _, id := range sensors.IDs() {
			payload = append(payload, byte(id), byte(sensors[id]))
			block := make([]byte, sensors[id])
			rng.Read(block)
			payload = append(payload, block...)
		}
		payload = append(payload, byte(rng.Intn(256)))

		rec, err := DecodeDataRecord(payload, sensors)
		require.NoError(t, err, "round %d", round)
		assert.Equal(t, len(payload), rec.Consumed+1, "round %d", round)
		assert.Len(t, rec.Blocks, len(sensors), "round %d", round)
		assert.Equal(t, sensors.RecordSize(), len(payload), "round %d", round)
	}
}
