// Package meter tracks running averages of per-batch scalars within an epoch.
package meter

// AverageMeter keeps the latest value and the running mean of everything
// passed to Update. A fresh meter is used per metric, per split, per epoch.
type AverageMeter struct {
	val   float64
	sum   float64
	count int
}

func New() *AverageMeter {
	return &AverageMeter{}
}

// Update records v as the current value and folds it into the mean.
func (m *AverageMeter) Update(v float64) {
	m.val = v
	m.sum += v
	m.count++
}

func (m *AverageMeter) Val() float64 {
	return m.val
}

// Avg returns the running mean, or 0 before any update.
func (m *AverageMeter) Avg() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

func (m *AverageMeter) Sum() float64 {
	return m.sum
}

func (m *AverageMeter) Count() int {
	return m.count
}

func (m *AverageMeter) Reset() {
	*m = AverageMeter{}
}
