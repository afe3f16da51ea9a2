package history

// selectWindow picks the recent window from records ordered newest first.
// It walks until userTurnLimit user turns are included, returns the result
// ascending, and drops leading non-user turns so a window never begins in
// the middle of a tool cycle.
func selectWindow(newestFirst []Turn, userTurnLimit int) []Turn {
	cut := len(newestFirst)
	users := 0
	for i, t := range newestFirst {
		if t.Role != RoleUser {
			continue
		}
		users++
		if users >= userTurnLimit {
			cut = i + 1
			break
		}
	}

	window := make([]Turn, 0, cut)
	for i := cut - 1; i >= 0; i-- {
		window = append(window, newestFirst[i])
	}

	start := 0
	for start < len(window) && window[start].Role != RoleUser {
		start++
	}
	return window[start:]
}
