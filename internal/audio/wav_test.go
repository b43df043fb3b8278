package audio

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEncodeWAVHeader(t *testing.T) {
	wav, err := EncodeWAVPCM16LE([]byte{1, 2, 3, 4}, 24000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	if len(wav) != 48 {
		t.Fatalf("len(wav) = %d, want 48", len(wav))
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 24000 {
		t.Fatalf("sample rate field = %d, want 24000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != 4 {
		t.Fatalf("data size field = %d, want 4", got)
	}
}

func TestDecodeWAVPCM16MonoRoundTrip(t *testing.T) {
	pcm := []byte{
		0x00, 0x00,
		0xE8, 0x03, // 1000
		0x18, 0xFC, // -1000
	}
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := WriteWAVPCM16LEFile(path, pcm, 16000); err != nil {
		t.Fatalf("WriteWAVPCM16LEFile() error = %v", err)
	}
	wav, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	gotPCM, gotSR, err := DecodeWAVPCM16(wav)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16() error = %v", err)
	}
	if gotSR != 16000 {
		t.Fatalf("sampleRate = %d, want 16000", gotSR)
	}
	if !bytes.Equal(gotPCM, pcm) {
		t.Fatalf("pcm = %v, want %v", gotPCM, pcm)
	}
}

func TestDecodeWAVPCM16StereoDownmix(t *testing.T) {
	// L=1000,R=-1000 then L=3000,R=1000
	stereo := []byte{
		0xE8, 0x03, 0x18, 0xFC,
		0xB8, 0x0B, 0xE8, 0x03,
	}
	h := wavHeader{
		RIFF: [4]byte{'R', 'I', 'F', 'F'}, ChunkSize: uint32(36 + len(stereo)),
		WAVE: [4]byte{'W', 'A', 'V', 'E'}, Fmt: [4]byte{'f', 'm', 't', ' '}, FmtSize: 16,
		AudioFormat: 1, Channels: 2, SampleRate: 24000, ByteRate: 24000 * 4,
		BlockAlign: 4, BitsPerSample: 16,
		Data: [4]byte{'d', 'a', 't', 'a'}, DataSize: uint32(len(stereo)),
	}
	var b bytes.Buffer
	_ = binary.Write(&b, binary.LittleEndian, h)
	b.Write(stereo)

	gotPCM, gotSR, err := DecodeWAVPCM16(b.Bytes())
	if err != nil {
		t.Fatalf("DecodeWAVPCM16() error = %v", err)
	}
	if gotSR != 24000 || len(gotPCM) != 4 {
		t.Fatalf("DecodeWAVPCM16() = %d bytes at %dHz, want 4 bytes at 24000Hz", len(gotPCM), gotSR)
	}
	s1 := int16(binary.LittleEndian.Uint16(gotPCM[0:2]))
	s2 := int16(binary.LittleEndian.Uint16(gotPCM[2:4]))
	if s1 != 0 || s2 != 2000 {
		t.Fatalf("downmix samples = [%d %d], want [0 2000]", s1, s2)
	}
}

func TestDecodeWAVPCM16RejectsGarbage(t *testing.T) {
	if _, _, err := DecodeWAVPCM16([]byte("not a wav file at all")); err == nil {
		t.Fatalf("DecodeWAVPCM16(garbage) error = nil, want error")
	}
}

func TestToneLength(t *testing.T) {
	if got := len(Tone(16000, 100*time.Millisecond, 440)); got != 3200 {
		t.Fatalf("len(Tone) = %d, want 3200", got)
	}
}
