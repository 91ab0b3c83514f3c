package classify

import (
	"math"
	"strings"

	"github.com/satvikakolisetty/pep-energy-project/internal/config"
	"github.com/satvikakolisetty/pep-energy-project/internal/model"
)

// Classifier derives net energy and the anomaly flag from validated fields.
// Thresholds are injected so the same logic is testable with different
// threshold sets without process-wide mutation.
type Classifier struct {
	maxPlausibleKWH float64
}

func New(cfg config.ClassifierConfig) *Classifier {
	return &Classifier{maxPlausibleKWH: cfg.MaxPlausibleKWH}
}

// Classify computes net = generated - consumed (rounded to 2 decimals) and
// the anomaly verdict. Pure and deterministic.
func (c *Classifier) Classify(generated, consumed float64) (net float64, anomaly bool, reason string) {
	net = round2(generated - consumed)
	var reasons []string
	if net < 0 {
		reasons = append(reasons, "consumption exceeds generation")
	}
	if generated >= c.maxPlausibleKWH {
		reasons = append(reasons, "implausible generated value")
	}
	if consumed >= c.maxPlausibleKWH {
		reasons = append(reasons, "implausible consumed value")
	}
	if len(reasons) == 0 {
		return net, false, ""
	}
	return net, true, strings.Join(reasons, "; ")
}

// Apply returns a copy of rec with the derived fields filled in.
func (c *Classifier) Apply(rec model.EnergyRecord) model.EnergyRecord {
	net, anomaly, reason := c.Classify(rec.EnergyGeneratedKWH, rec.EnergyConsumedKWH)
	rec.NetEnergyKWH = net
	rec.Anomaly = anomaly
	rec.Reason = reason
	return rec
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
