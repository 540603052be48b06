package poll

// MaxAnswers is the most answers one sent poll message can carry.
const MaxAnswers = 10

// Batches splits answers into consecutive chunks of at most MaxAnswers,
// preserving order. The chunks share no backing array with answers.
func Batches(answers []string) [][]string {
	if len(answers) == 0 {
		return nil
	}
	out := make([][]string, 0, (len(answers)+MaxAnswers-1)/MaxAnswers)
	for start := 0; start < len(answers); start += MaxAnswers {
		end := min(start+MaxAnswers, len(answers))
		out = append(out, append([]string(nil), answers[start:end]...))
	}
	return out
}
