package analytics

// ComputeRates derives the rates of counts. Every rate is 0 when there are no votes.
func ComputeRates(counts Counts) Rates {
	if counts.N <= 0 {
		return Rates{}
	}
	n := float64(counts.N)
	return Rates{
		LoveRate:     float64(counts.Love) / n,
		LikeRate:     float64(counts.Like) / n,
		DislikeRate:  float64(counts.Dislike) / n,
		HateRate:     float64(counts.Hate) / n,
		Favorability: float64(counts.Love+counts.Like) / n,
		// strong reactions either way
		Engagement: float64(counts.Love+counts.Hate) / n,
	}
}

func (c *Counts) add(other Counts) {
	c.Love += other.Love
	c.Like += other.Like
	c.Dislike += other.Dislike
	c.Hate += other.Hate
	c.N += other.N
}
