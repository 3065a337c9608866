package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-audio/wav"
	"github.com/shopspring/decimal"
	"github.com/tcolgate/mp3"
)

// Format is a supported audio container.
type Format string

const (
	FormatWAV Format = "wav"
	FormatMP3 Format = "mp3"
)

var (
	ErrUnsupportedFormat = errors.New("file must be mp3 or wav")
	ErrNoDuration        = errors.New("couldn't calculate the file duration")
)

// Inspector identifies an attachment and measures its billable quantity.
type Inspector interface {
	Detect(r io.Reader) (Format, error)
	Duration(r io.ReadSeeker, f Format) (decimal.Decimal, error)
}

// AudioInspector sniffs content rather than trusting file names.
type AudioInspector struct{}

func (AudioInspector) Detect(r io.Reader) (Format, error) {
	mt, err := mimetype.DetectReader(r)
	if err != nil {
		return "", fmt.Errorf("detecting content type: %w", err)
	}
	switch {
	case mt.Is("audio/wav"):
		return FormatWAV, nil
	case mt.Is("audio/mpeg"):
		return FormatMP3, nil
	}
	return "", ErrUnsupportedFormat
}

// Duration returns the playing time in seconds.
func (AudioInspector) Duration(r io.ReadSeeker, f Format) (decimal.Decimal, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return decimal.Zero, err
	}

	var secs decimal.Decimal
	var err error
	switch f {
	case FormatWAV:
		secs, err = wavDuration(r)
	case FormatMP3:
		var d time.Duration
		d, err = mp3Duration(r)
		secs = decimal.NewFromInt(d.Milliseconds()).Shift(-3)
	default:
		return decimal.Zero, ErrUnsupportedFormat
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrNoDuration, err)
	}
	if !secs.IsPositive() {
		return decimal.Zero, ErrNoDuration
	}
	return secs, nil
}

// wavDuration is the PCM data present in the file over the average byte
// rate. Chunk sizes are checked against the file before the decoder sees
// them, since it allocates whatever a header claims.
func wavDuration(r io.ReadSeeker) (decimal.Decimal, error) {
	present, err := wavDataBytes(r)
	if err != nil {
		return decimal.Zero, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return decimal.Zero, err
	}

	dec := wav.NewDecoder(r)
	if err := dec.FwdToPCM(); err != nil {
		return decimal.Zero, err
	}
	if dec.AvgBytesPerSec == 0 || dec.PCMSize <= 0 {
		return decimal.Zero, errors.New("invalid wav header")
	}
	size := min(int64(dec.PCMSize), present)
	return decimal.NewFromInt(size).
		Div(decimal.NewFromInt(int64(dec.AvgBytesPerSec))), nil
}

// wavDataBytes walks the RIFF chunk headers and returns how many bytes of
// the data chunk are actually in the file. Any chunk before it that claims
// more bytes than remain is rejected.
func wavDataBytes(r io.ReadSeeker) (int64, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, err
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return 0, errors.New("not a RIFF/WAVE file")
	}

	off := int64(len(hdr))
	var ch [8]byte
	for off+int64(len(ch)) <= size {
		if _, err := io.ReadFull(r, ch[:]); err != nil {
			return 0, err
		}
		off += int64(len(ch))
		id := string(ch[0:4])
		n := int64(binary.LittleEndian.Uint32(ch[4:8]))
		left := size - off

		if id == "data" {
			return min(n, left), nil
		}
		if n > left {
			return 0, fmt.Errorf("%q chunk claims %d bytes, %d left", id, n, left)
		}
		// chunks are word aligned
		off += n + n&1
		if _, err := r.Seek(off, io.SeekStart); err != nil {
			return 0, err
		}
	}
	return 0, errors.New("no data chunk")
}

func mp3Duration(r io.Reader) (time.Duration, error) {
	dec := mp3.NewDecoder(r)
	var (
		frame   mp3.Frame
		skipped int
		total   time.Duration
		frames  int
	)
	for {
		if err := dec.Decode(&frame, &skipped); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if frames > 0 && errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return 0, err
		}
		total += frame.Duration()
		frames++
	}
	if frames == 0 {
		return 0, errors.New("no mp3 frames")
	}
	return total, nil
}
