package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"go.bug.st/serial"

	"github.com/shaunagostinho/cr14-rfid/internal/device"
	"github.com/shaunagostinho/cr14-rfid/internal/protocol"
)

// OpenSerialPort opens a UART in 8N1 at the given rate.
func OpenSerialPort(portPath string, baudRate int) (io.ReadWriteCloser, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portPath, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", portPath, err)
	}
	// a finite timeout lets the reader notice shutdown
	if err := port.SetReadTimeout(200 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", portPath, err)
	}
	return port, nil
}

// Bridge pumps a read-write device session to and from a byte stream,
// typically a UART. It holds the device until ctx is done or the stream
// fails.
func Bridge(ctx context.Context, dev *device.Device, port io.ReadWriteCloser) error {
	h, err := dev.Open(false)
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}
	defer h.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)

	// device -> port
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := h.ReadContext(ctx, buf)
			if err != nil {
				if errors.Is(err, device.ErrInterrupted) || errors.Is(err, device.ErrClosed) {
					err = nil
				}
				errc <- err
				return
			}
			if _, err := port.Write(buf[:n]); err != nil {
				errc <- fmt.Errorf("bridge: port write: %w", err)
				return
			}
		}
	}()

	// port -> device
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := port.Read(buf)
			if err != nil {
				errc <- fmt.Errorf("bridge: port read: %w", err)
				return
			}
			if ctx.Err() != nil {
				errc <- nil
				return
			}
			p := buf[:n]
			for len(p) > 0 {
				m, err := h.WriteContext(ctx, p)
				p = p[m:]
				if err == nil {
					continue
				}
				var me *protocol.MisuseError
				if errors.As(err, &me) {
					// the assembler has resynchronised; keep going
					continue
				}
				if errors.Is(err, device.ErrInterrupted) || errors.Is(err, device.ErrClosed) {
					errc <- nil
				} else {
					errc <- fmt.Errorf("bridge: %w", err)
				}
				return
			}
		}
	}()

	log.Printf("[bridge] serving device on serial port")
	err = <-errc
	cancel()
	port.Close()
	h.Close()
	<-errc
	if err != nil {
		log.Printf("[bridge] %v", err)
	}
	return err
}
