package inference

// ModelDesc describes the tensor geometry of one model format version.
type ModelDesc struct {
	Version            int
	InputChannels      int
	GlobalChannels     int
	ValueChannels      int
	OwnershipChannels  int
	ScoreValueChannels int
}

// DescribeVersion returns the geometry for a format version. Versions below
// 5 and 6 or 7 are not served by this bridge.
func DescribeVersion(version int) (ModelDesc, bool) {
	d := ModelDesc{
		Version:           version,
		InputChannels:     22,
		GlobalChannels:    19,
		ValueChannels:     3,
		OwnershipChannels: 1,
	}
	switch {
	case version >= 9:
		d.ScoreValueChannels = 6
	case version == 8:
		d.ScoreValueChannels = 4
	case version == 5:
		d.GlobalChannels = 14
		d.ScoreValueChannels = 2
	default:
		return ModelDesc{}, false
	}
	return d, true
}

// Values is the decoded value head of one batch row.
type Values struct {
	WinProb             float32
	LossProb            float32
	NoResultProb        float32
	ScoreMean           float32
	ScoreMeanSq         float32
	Lead                float32
	VarTimeLeft         float32
	ShorttermWinlossErr float32
	ShorttermScoreErr   float32
}

// UnpackValues decodes row of the value and score-value outputs. stride is
// the per-row length of scores as written by predict.
func UnpackValues(version int, values, scores []float32, row, stride int) (Values, bool) {
	var v Values
	if len(values) < (row+1)*3 || len(scores) < (row+1)*stride {
		return v, false
	}
	v.WinProb = values[row*3]
	v.LossProb = values[row*3+1]
	v.NoResultProb = values[row*3+2]

	s := scores[row*stride:]
	switch {
	case version >= 9:
		if stride < 6 {
			return v, false
		}
		v.ScoreMean, v.ScoreMeanSq, v.Lead = s[0], s[1], s[2]
		v.VarTimeLeft = s[3]
		v.ShorttermWinlossErr, v.ShorttermScoreErr = s[4], s[5]
	case version >= 8:
		if stride < 4 {
			return v, false
		}
		v.ScoreMean, v.ScoreMeanSq, v.Lead = s[0], s[1], s[2]
		v.VarTimeLeft = s[3]
	case version >= 4:
		if stride < 2 {
			return v, false
		}
		v.ScoreMean, v.ScoreMeanSq = s[0], s[1]
		v.Lead = v.ScoreMean
	case version >= 3:
		if stride < 1 {
			return v, false
		}
		v.ScoreMean = s[0]
		v.ScoreMeanSq = s[0] * s[0]
		v.Lead = v.ScoreMean
	default:
		return v, false
	}
	return v, true
}
