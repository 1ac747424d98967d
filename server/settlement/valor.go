package settlement

import (
	"cmp"
	"slices"
)

type ValorCandidate struct {
	Conn  ConnID
	Score int
}

// ValorCount は陣営の人数から勇敢賞の人数を決めます。2〜5人なら1人、それ以外は2割(切り捨て)です。
func ValorCount(n int) int {
	if n >= 2 && n <= 5 {
		return 1
	}
	return n / 5
}

// SelectValorous はスコア降順(同点は接続ID昇順)に並べ、上位から勇敢賞を選びます。
func SelectValorous(candidates []ValorCandidate) []ConnID {
	count := ValorCount(len(candidates))
	if count == 0 {
		return nil
	}

	sorted := slices.Clone(candidates)
	slices.SortFunc(sorted, func(a, b ValorCandidate) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Conn, b.Conn)
	})

	out := make([]ConnID, 0, count)
	for _, c := range sorted[:count] {
		out = append(out, c.Conn)
	}
	return out
}
