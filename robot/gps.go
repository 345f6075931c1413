package robot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	serial "github.com/jacobsa/go-serial/serial"
	"github.com/sirupsen/logrus"

	"rover-backend/geo"
)

// FixSource - producer of GPS fixes
type FixSource interface {
	Fixes() <-chan geo.Fix
}

// FixParser turns NMEA sentences into fixes. GGA carries the position and
// satellite count, VTG the ground speed; a fix is emitted for each valid GGA
// using the latest VTG speed.
type FixParser struct {
	now   func() time.Time
	knots float64
	kph   float64
}

func NewFixParser(now func() time.Time) *FixParser {
	if now == nil {
		now = time.Now
	}
	return &FixParser{now: now}
}

// Feed parses one line. ok is false when the line completes no fix;
// err is set for sentences that fail to parse.
func (p *FixParser) Feed(line string) (fix geo.Fix, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "$") {
		return geo.Fix{}, false, nil
	}

	sentence, err := nmea.Parse(line)
	if err != nil {
		return geo.Fix{}, false, err
	}

	switch sentence.DataType() {
	case nmea.TypeVTG:
		m := sentence.(nmea.VTG)
		p.knots = m.GroundSpeedKnots
		p.kph = m.GroundSpeedKPH
	case nmea.TypeGGA:
		m := sentence.(nmea.GGA)
		if m.FixQuality == nmea.Invalid {
			return geo.Fix{}, false, nil
		}
		return geo.Fix{
			Point:      geo.Point{Lat: m.Latitude, Lng: m.Longitude},
			Time:       p.now(),
			SpeedKph:   p.kph,
			SpeedKnots: p.knots,
			Satellites: int(m.NumSatellites),
		}, true, nil
	}
	return geo.Fix{}, false, nil
}

// PortOpener opens the GPS byte stream.
type PortOpener func() (io.ReadWriteCloser, error)

// SerialOpener - 8N1 serial port at baud
func SerialOpener(port string, baud uint) PortOpener {
	return func() (io.ReadWriteCloser, error) {
		return serial.Open(serial.OpenOptions{
			PortName:        port,
			BaudRate:        baud,
			DataBits:        8,
			StopBits:        1,
			MinimumReadSize: 1,
			ParityMode:      serial.PARITY_NONE,
		})
	}
}

// GPSReader reads NMEA from a port into a bounded queue. Read or open
// failures reopen the port after a pause; bad sentences are skipped.
type GPSReader struct {
	open   PortOpener
	parser *FixParser
	retry  time.Duration
	out    chan geo.Fix
	log    logrus.FieldLogger
}

func NewGPSReader(open PortOpener, queueSize int, retry time.Duration, log logrus.FieldLogger) *GPSReader {
	if queueSize <= 0 {
		queueSize = 64
	}
	if retry <= 0 {
		retry = 2 * time.Second
	}
	return &GPSReader{
		open:   open,
		parser: NewFixParser(time.Now),
		retry:  retry,
		out:    make(chan geo.Fix, queueSize),
		log:    log,
	}
}

func (r *GPSReader) Fixes() <-chan geo.Fix {
	return r.out
}

// Run reads until ctx is cancelled. It only returns ctx.Err().
func (r *GPSReader) Run(ctx context.Context) error {
	for {
		err := r.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Warnf("gps: %v; reopening in %s", err, r.retry)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.retry):
		}
	}
}

// session reads one opened port until it fails.
func (r *GPSReader) session(ctx context.Context) error {
	port, err := r.open()
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = port.Close()
	}()

	r.log.Info("gps: port opened")
	reader := bufio.NewReader(port)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("port closed")
			}
			return fmt.Errorf("read: %w", err)
		}

		fix, ok, err := r.parser.Feed(line)
		if err != nil {
			r.log.Debugf("gps: frame discarded: %v", err)
			continue
		}
		if ok {
			r.push(fix)
		}
	}
}

// push never blocks; when the queue is full the oldest fix is dropped.
func (r *GPSReader) push(fix geo.Fix) {
	for {
		select {
		case r.out <- fix:
			return
		default:
		}
		select {
		case <-r.out:
			r.log.Debug("gps: queue full, oldest fix dropped")
		default:
		}
	}
}
