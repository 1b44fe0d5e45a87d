package resource

// nextLevel moves up as soon as a threshold is reached and moves down only
// once the value falls below the threshold minus margin.
func nextLevel(cur Level, v, warn, crit, margin float64) Level {
	up := Normal
	switch {
	case v >= crit:
		up = Critical
	case v >= warn:
		up = Warning
	}
	if up >= cur {
		return up
	}

	switch cur {
	case Critical:
		if v >= crit-margin {
			return Critical
		}
		if v >= warn-margin {
			return Warning
		}
		return Normal
	case Warning:
		if v >= warn-margin {
			return Warning
		}
		return Normal
	}
	return up
}
