package agent

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/ryanwaits/site/internal/domain"
)

func writeEvent(w io.Writer, ev domain.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeKeepalive(w io.Writer) error {
	_, err := io.WriteString(w, ": keepalive\n\n")
	return err
}
