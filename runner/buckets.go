package runner

var defaultHistogramBuckets = []float64{
	0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

var customBuckets = map[string][]float64{
	"ingestion_batch_size": {
		1, 10, 50, 100, 250, 500, 1000, 2500, 5000,
	},
	"ingestion_sub_batches": {
		1, 2, 5, 10, 25, 50, 100, 250, 500,
	},
}
