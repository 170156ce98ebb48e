// Package export writes recorded payloads to pcapng so they can be opened in
// packet analysis tools.
package export

import (
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/fieldtrace/internal/core"
	"firestige.xyz/fieldtrace/internal/sink"
)

// LinkTypeUser0 is DLT_USER0. Payloads carry no link layer.
const LinkTypeUser0 = layers.LinkType(147)

const application = "fieldtrace"

// Writer emits one pcapng interface per direction and one packet per
// record that carries payload bytes.
type Writer struct {
	ng      *pcapgo.NgWriter
	ifaces  map[core.Direction]int
	count   int
	skipped int
}

// NewWriter writes the section header and interface blocks to w.
func NewWriter(w io.Writer) (*Writer, error) {
	opts := pcapgo.NgWriterOptions{
		SectionInfo: pcapgo.NgSectionInfo{
			Application: application,
		},
	}

	ng, err := pcapgo.NewNgWriterInterface(w, iface(core.Directions[0]), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create pcapng writer: %w", err)
	}

	ifaces := map[core.Direction]int{core.Directions[0]: 0}
	for _, dir := range core.Directions[1:] {
		id, err := ng.AddInterface(iface(dir))
		if err != nil {
			return nil, fmt.Errorf("failed to add %s interface: %w", dir, err)
		}
		ifaces[dir] = id
	}

	return &Writer{ng: ng, ifaces: ifaces}, nil
}

func iface(dir core.Direction) pcapgo.NgInterface {
	return pcapgo.NgInterface{
		Name:        dir.Short(),
		Description: fmt.Sprintf("%s payloads", dir),
		LinkType:    LinkTypeUser0,
	}
}

// Write appends rec as a packet. Records without payload are skipped and
// reported as not written.
func (w *Writer) Write(rec sink.Record) (bool, error) {
	id, ok := w.ifaces[rec.Direction]
	if !ok {
		return false, fmt.Errorf("%w: %q", core.ErrUnknownDirection, rec.Direction)
	}
	if len(rec.Data) == 0 {
		w.skipped++
		return false, nil
	}

	ci := gopacket.CaptureInfo{
		Timestamp:      rec.RecordedAt,
		CaptureLength:  len(rec.Data),
		Length:         len(rec.Data),
		InterfaceIndex: id,
	}
	if err := w.ng.WritePacket(ci, rec.Data); err != nil {
		return false, fmt.Errorf("failed to write record %s: %w", rec.ID, err)
	}
	w.count++
	return true, nil
}

// Flush writes buffered blocks to the underlying writer.
func (w *Writer) Flush() error {
	return w.ng.Flush()
}

// Count returns the number of packets written.
func (w *Writer) Count() int { return w.count }

// Skipped returns the number of records dropped for lack of payload.
func (w *Writer) Skipped() int { return w.skipped }

// WriteFile exports recs to a new pcapng file at path and returns the
// number of packets written.
func WriteFile(path string, recs []sink.Record) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create file %s: %w", path, err)
	}

	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return 0, err
	}
	for _, rec := range recs {
		if _, err := w.Write(rec); err != nil {
			f.Close()
			return w.Count(), err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return w.Count(), fmt.Errorf("failed to flush: %w", err)
	}
	return w.Count(), f.Close()
}
