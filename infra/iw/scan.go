// Package iw lists nearby Wi-Fi networks with `iw dev <if> scan`.
package iw

import (
	"bufio"
	"bytes"
	"context"
	"strconv"
	"strings"

	"palpable"
	"palpable/connectivity"
	"palpable/infra/process"
)

// Scanner implements connectivity.Scanner.
type Scanner struct {
	iface  string
	binary string
	run    process.Runner
}

var _ connectivity.Scanner = (*Scanner)(nil)

// Option configures a Scanner.
type Option func(*Scanner)

// WithRunner replaces the command runner.
func WithRunner(r process.Runner) Option {
	return func(s *Scanner) { s.run = r }
}

func New(iface, binary string, opts ...Option) *Scanner {
	if binary == "" {
		binary = "iw"
	}
	s := &Scanner{iface: iface, binary: binary, run: process.Output}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan triggers a scan and returns the raw results. Hidden networks are
// dropped by the caller's normalization.
func (s *Scanner) Scan(ctx context.Context) ([]palpable.Network, error) {
	out, err := s.run(ctx, s.binary, "dev", s.iface, "scan")
	if err != nil {
		return nil, err
	}
	return Parse(out), nil
}

// Parse reads BSS blocks from iw scan output.
func Parse(out []byte) []palpable.Network {
	var (
		nets    []palpable.Network
		cur     *palpable.Network
		haveSig bool
	)
	flush := func() {
		if cur != nil && cur.SSID != "" && haveSig {
			nets = append(nets, *cur)
		}
		cur, haveSig = nil, false
	}

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "BSS ") {
			flush()
			cur = &palpable.Network{}
			continue
		}
		if cur == nil {
			continue
		}
		field := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(field, "SSID:"):
			// Only the first SSID line of a block; later ones belong to
			// nested elements.
			if cur.SSID == "" {
				cur.SSID = unescape(strings.TrimSpace(strings.TrimPrefix(field, "SSID:")))
			}
		case strings.HasPrefix(field, "signal:"):
			raw := strings.TrimSpace(strings.TrimPrefix(field, "signal:"))
			raw = strings.TrimSpace(strings.TrimSuffix(raw, "dBm"))
			dbm, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				continue
			}
			cur.Signal = palpable.SignalPercent(dbm)
			haveSig = true
		}
	}
	flush()
	return nets
}

// unescape decodes the \xNN sequences iw uses for non-printable bytes.
func unescape(s string) string {
	if !strings.Contains(s, `\x`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) && s[i+1] == 'x' {
			if v, err := strconv.ParseUint(s[i+2:i+4], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
