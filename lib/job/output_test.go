package job

import "testing"

func TestOutputChunk_Matches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		chunk  OutputChunk
		filter int
		want   bool
	}{
		{name: "stdout matches stdout filter", chunk: OutputChunk{Stream: Stdout}, filter: int(Stdout), want: true},
		{name: "stdout does not match stderr filter", chunk: OutputChunk{Stream: Stdout}, filter: int(Stderr), want: false},
		{name: "stderr matches all filter", chunk: OutputChunk{Stream: Stderr}, filter: allStreams, want: true},
		{name: "stdout matches all filter", chunk: OutputChunk{Stream: Stdout}, filter: allStreams, want: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.chunk.matches(tt.filter); got != tt.want {
				t.Fatalf("matches(%d) = %v, want %v", tt.filter, got, tt.want)
			}
		})
	}
}

func TestStreamKind_String(t *testing.T) {
	t.Parallel()

	if got := Stdout.String(); got != "stdout" {
		t.Fatalf("Stdout.String() = %q, want %q", got, "stdout")
	}
	if got := Stderr.String(); got != "stderr" {
		t.Fatalf("Stderr.String() = %q, want %q", got, "stderr")
	}
}
