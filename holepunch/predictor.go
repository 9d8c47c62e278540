package holepunch

// PortPredictor derives the next likely externally-mapped port from the last
// two observed mappings, for NATs with address-dependent (sequential)
// allocation (spec §4.2). A linear-delta predictor: if the last two mapped
// ports were p1 then p2, the next is predicted p2 + (p2 - p1).
type PortPredictor struct {
	have1, have2 bool
	p1, p2       int
}

// Observe records a newly observed external port mapping, most recent last.
func (p *PortPredictor) Observe(port int) {
	switch {
	case !p.have1:
		p.p1, p.have1 = port, true
	case !p.have2:
		p.p2, p.have2 = port, true
	default:
		p.p1, p.p2 = p.p2, port
	}
}

// Predict returns the next likely mapped port and whether enough
// observations exist to predict at all.
func (p *PortPredictor) Predict() (port int, ok bool) {
	if !p.have1 || !p.have2 {
		return 0, false
	}
	delta := p.p2 - p.p1
	predicted := p.p2 + delta
	if predicted <= 0 || predicted > 65535 {
		return 0, false
	}
	return predicted, true
}

// PredictN returns up to n candidate ports starting from the predicted next
// port and stepping by the same observed delta, for callers that want to
// issue several connect attempts around the prediction.
func (p *PortPredictor) PredictN(n int) []int {
	if !p.have1 || !p.have2 || n <= 0 {
		return nil
	}
	delta := p.p2 - p.p1
	out := make([]int, 0, n)
	next := p.p2 + delta
	for i := 0; i < n; i++ {
		if next > 0 && next <= 65535 {
			out = append(out, next)
		}
		next += delta
	}
	return out
}
