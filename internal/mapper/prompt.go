package mapper

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/voyagen/tvguide/internal/models"
)

// PromptResolver asks a person on a terminal. The answer may be a candidate
// number, a literal tuner name, "-" to skip, or an empty line to stop.
type PromptResolver struct {
	in  *bufio.Reader
	out io.Writer
}

// NewPromptResolver reads answers from in and writes prompts to out.
func NewPromptResolver(in io.Reader, out io.Writer) *PromptResolver {
	return &PromptResolver{in: bufio.NewReader(in), out: out}
}

// Resolve implements Resolver.
func (p *PromptResolver) Resolve(ctx context.Context, ch models.Channel, candidates []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprintf(p.out, "\n%s (%s, channel %s)\n", ch.Name, ch.StationID, ch.ChannelNumber)
	for i, c := range candidates {
		fmt.Fprintf(p.out, "  %d) %s\n", i+1, c)
	}
	fmt.Fprint(p.out, "Type the DVB name, a number, '-' to skip or enter to stop: ")

	line, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		if err == io.EOF {
			return "", ErrStop
		}
		return "", fmt.Errorf("read answer: %w", err)
	}
	answer := strings.TrimSpace(line)
	switch answer {
	case "":
		return "", ErrStop
	case "-":
		return "", nil
	}
	if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(candidates) {
		return candidates[n-1], nil
	}
	return answer, nil
}
