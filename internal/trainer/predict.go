package trainer

import (
	"github.com/23skdu/longbow-vqa/internal/batch"
	"github.com/23skdu/longbow-vqa/internal/model"
	"github.com/23skdu/longbow-vqa/internal/numeric"
	"github.com/23skdu/longbow-vqa/internal/objective"
)

// Predict decodes the model's greedy answer for every row of b. Positions
// are scored up to the model's maximum answer length and each answer is cut
// at the first eosID, which is not included.
func Predict(m model.Model, b *batch.Batch, eosID int) ([][]int, error) {
	m.SetTraining(false)
	logits, err := m.Forward(b.Images, b.Questions, m.Spec().MaxAnswerLen)
	if err != nil {
		return nil, classify(err)
	}
	out := make([][]int, logits.B)
	for i := 0; i < logits.B; i++ {
		answer := make([]int, 0, logits.T)
		for t := 0; t < logits.T; t++ {
			id := numeric.Argmax(logits.Row(i, t))
			if id == eosID {
				break
			}
			answer = append(answer, id)
		}
		out[i] = answer
	}
	return out, nil
}

// Score evaluates m on b at the model's full answer length, the same
// positions Predict decodes. Answers are padded out to that length first, so
// the extra positions are masked and only real answer tokens count.
func Score(m model.Model, bt *batch.Batcher, b *batch.Batch) (*objective.Result, error) {
	wide, err := bt.WithAnswerLen(b, m.Spec().MaxAnswerLen)
	if err != nil {
		return nil, classify(err)
	}
	m.SetTraining(false)
	logits, err := m.Forward(wide.Images, wide.Questions, wide.AnswerLen())
	if err != nil {
		return nil, classify(err)
	}
	res, err := objective.MaskedCrossEntropy{}.Compute(logits, wide.Answers, wide.Mask)
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}
