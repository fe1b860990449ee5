package chunker

import "testing"

func TestPlan(t *testing.T) {
	const mib = 1024 * 1024

	tests := []struct {
		name      string
		chunkSize int64
		totalSize int64
		wantLens  []int64
	}{
		{
			name:      "empty file",
			chunkSize: 5 * mib,
			totalSize: 0,
			wantLens:  nil,
		},
		{
			name:      "smaller than one part",
			chunkSize: 5 * mib,
			totalSize: 3 * mib,
			wantLens:  []int64{3 * mib},
		},
		{
			name:      "exact multiple",
			chunkSize: 5 * mib,
			totalSize: 10 * mib,
			wantLens:  []int64{5 * mib, 5 * mib},
		},
		{
			name:      "remainder in final part",
			chunkSize: 5 * mib,
			totalSize: 12 * mib,
			wantLens:  []int64{5 * mib, 5 * mib, 2 * mib},
		},
		{
			name:      "one byte over",
			chunkSize: 5 * mib,
			totalSize: 5*mib + 1,
			wantLens:  []int64{5 * mib, 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChunker(tt.chunkSize)
			parts := c.Plan(tt.totalSize)

			if len(parts) != len(tt.wantLens) {
				t.Fatalf("Plan() returned %d parts, want %d", len(parts), len(tt.wantLens))
			}

			var offset int64
			for i, part := range parts {
				if part.Number != i+1 {
					t.Errorf("part %d has number %d, want %d", i, part.Number, i+1)
				}
				if part.Offset != offset {
					t.Errorf("part %d has offset %d, want %d", i, part.Offset, offset)
				}
				if part.Size != tt.wantLens[i] {
					t.Errorf("part %d has size %d, want %d", i, part.Size, tt.wantLens[i])
				}
				offset += part.Size
			}
			if offset != tt.totalSize {
				t.Errorf("parts cover %d bytes, want %d", offset, tt.totalSize)
			}

			if got := c.Count(tt.totalSize); got != len(tt.wantLens) {
				t.Errorf("Count() = %d, want %d", got, len(tt.wantLens))
			}
		})
	}
}
