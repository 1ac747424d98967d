package settlement

import (
	"math"
	"slices"

	"skirmish/utils"
)

const (
	glickoScale = 173.7178

	DefaultRating     = 1500.0
	DefaultDeviation  = 350.0
	DefaultVolatility = 0.06
	DefaultTau        = 0.5

	volatilityEpsilon = 1e-6
	ratingBound       = 100000.0
	maxIterations     = 100
)

// DefaultPlayerRating は未評価キャラクターの初期レーティングです。
func DefaultPlayerRating() PlayerRating {
	return PlayerRating{Rating: DefaultRating, Deviation: DefaultDeviation, Volatility: DefaultVolatility}
}

type ratingResult struct {
	a, b   string
	scoreA float64
}

type opponentResult struct {
	mu, phi float64
	score   float64
}

// RatingEngine は1期間分の対戦結果を集め、Glicko-2の一括更新を行います。
// 参加者のキーはキャラクターIDです。
type RatingEngine struct {
	tau          float64
	participants map[string]PlayerRating
	order        []string
	results      []ratingResult
}

func NewRatingEngine(tau float64) *RatingEngine {
	if !utils.IsFinite(tau) || tau <= 0 {
		tau = DefaultTau
	}
	return &RatingEngine{
		tau:          tau,
		participants: make(map[string]PlayerRating),
	}
}

// AddParticipant は参加者を登録します。既に登録済みなら最初の値を返し、上書きしません。
func (e *RatingEngine) AddParticipant(id string, r PlayerRating) PlayerRating {
	if existing, ok := e.participants[id]; ok {
		return existing
	}
	e.participants[id] = r
	e.order = append(e.order, id)
	return r
}

func (e *RatingEngine) Has(id string) bool {
	_, ok := e.participants[id]
	return ok
}

// AddResult は a から見た部分得点 scoreA で a と b の対戦結果を記録します。
// 未登録の参加者を含む結果は無視します。
func (e *RatingEngine) AddResult(a, b string, scoreA float64) {
	if a == b || !e.Has(a) || !e.Has(b) {
		return
	}
	if !utils.IsFinite(scoreA) {
		return
	}
	e.results = append(e.results, ratingResult{a: a, b: b, scoreA: min(max(scoreA, 0), 1)})
}

func (e *RatingEngine) Participants() int { return len(e.participants) }
func (e *RatingEngine) Results() int      { return len(e.results) }

// UpdateAll は全参加者の新しいレーティングを計算して返します。
// 相手の値は全て期間開始時点のものを使います。対戦のない参加者は上下限に収める以外は変わりません。
func (e *RatingEngine) UpdateAll() map[string]PlayerRating {
	games := make(map[string][]opponentResult, len(e.participants))
	for _, res := range e.results {
		ra, rb := e.participants[res.a], e.participants[res.b]
		games[res.a] = append(games[res.a], opponentResult{mu: toMu(rb.Rating), phi: toPhi(rb.Deviation), score: res.scoreA})
		games[res.b] = append(games[res.b], opponentResult{mu: toMu(ra.Rating), phi: toPhi(ra.Deviation), score: 1 - res.scoreA})
	}

	out := make(map[string]PlayerRating, len(e.participants))
	for _, id := range e.order {
		before := e.participants[id]
		opps, ok := games[id]
		if !ok {
			out[id] = guardRating(before, before)
			continue
		}
		out[id] = guardRating(glicko2Update(before, opps, e.tau), before)
	}
	return out
}

// IDs は登録順の参加者IDを返します。
func (e *RatingEngine) IDs() []string {
	return slices.Clone(e.order)
}

// Forget は参加者と、その参加者を含む対戦結果を全て取り除きます。
func (e *RatingEngine) Forget(id string) {
	if !e.Has(id) {
		return
	}
	delete(e.participants, id)
	e.order = slices.DeleteFunc(e.order, func(o string) bool { return o == id })
	e.results = slices.DeleteFunc(e.results, func(r ratingResult) bool { return r.a == id || r.b == id })
}

func (e *RatingEngine) Reset() {
	e.participants = make(map[string]PlayerRating)
	e.order = nil
	e.results = nil
}

func toMu(r float64) float64    { return (r - DefaultRating) / glickoScale }
func toPhi(rd float64) float64  { return rd / glickoScale }
func fromMu(mu float64) float64 { return mu*glickoScale + DefaultRating }

func g(phi float64) float64 {
	return 1 / math.Sqrt(1+3*phi*phi/(math.Pi*math.Pi))
}

func expected(mu, muJ, phiJ float64) float64 {
	return 1 / (1 + math.Exp(-g(phiJ)*(mu-muJ)))
}

func glicko2Update(p PlayerRating, opps []opponentResult, tau float64) PlayerRating {
	mu := toMu(p.Rating)
	phi := toPhi(p.Deviation)
	sigma := p.Volatility
	if !utils.IsFinite(sigma) || sigma <= 0 {
		sigma = DefaultVolatility
	}

	var vInv, deltaSum float64
	for _, o := range opps {
		gj := g(o.phi)
		ej := expected(mu, o.mu, o.phi)
		vInv += gj * gj * ej * (1 - ej)
		deltaSum += gj * (o.score - ej)
	}
	if vInv <= 0 {
		return p
	}
	v := 1 / vInv
	delta := v * deltaSum

	sigmaNew := nextVolatility(phi, sigma, v, delta, tau)

	phiStar := math.Sqrt(phi*phi + sigmaNew*sigmaNew)
	phiNew := 1 / math.Sqrt(1/(phiStar*phiStar)+1/v)
	muNew := mu + phiNew*phiNew*deltaSum

	return PlayerRating{
		Rating:     fromMu(muNew),
		Deviation:  phiNew * glickoScale,
		Volatility: sigmaNew,
	}
}

// nextVolatility はIllinois法で新しいボラティリティを求めます。
func nextVolatility(phi, sigma, v, delta, tau float64) float64 {
	a := math.Log(sigma * sigma)
	phi2 := phi * phi
	delta2 := delta * delta
	f := func(x float64) float64 {
		ex := math.Exp(x)
		d := phi2 + v + ex
		return ex*(delta2-phi2-v-ex)/(2*d*d) - (x-a)/(tau*tau)
	}

	A := a
	var B float64
	if delta2 > phi2+v {
		B = math.Log(delta2 - phi2 - v)
	} else {
		k := 1.0
		for f(a-k*tau) < 0 && k < maxIterations {
			k++
		}
		B = a - k*tau
	}

	fA, fB := f(A), f(B)
	for i := 0; math.Abs(B-A) > volatilityEpsilon && i < maxIterations; i++ {
		C := A + (A-B)*fA/(fB-fA)
		fC := f(C)
		if fC*fB <= 0 {
			A, fA = B, fB
		} else {
			fA /= 2
		}
		B, fB = C, fC
	}
	return math.Exp(A / 2)
}

// guardRating は非有限値を更新前の値に戻し、全項目を上下限に収めます。
func guardRating(r, before PlayerRating) PlayerRating {
	return PlayerRating{
		Rating:     guardValue(r.Rating, before.Rating),
		Deviation:  guardValue(r.Deviation, before.Deviation),
		Volatility: guardValue(r.Volatility, before.Volatility),
	}
}

func guardValue(v, fallback float64) float64 {
	if !utils.IsFinite(v) {
		v = fallback
	}
	if !utils.IsFinite(v) {
		return 0
	}
	return utils.Clamp(v, -ratingBound, ratingBound)
}
