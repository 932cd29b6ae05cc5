/*
Package testutil provides test fixtures for Repple packages.

Settings are created valid and customized with options:

	// Four peers averaging updates
	settings := testutil.NewTestSettings()

	// Custom peers and strategy
	settings := testutil.NewTestSettings(
	    testutil.WithTotalPeers(8),
	    testutil.WithAggregator(aggregation.MedianAlgorithm),
	)

Weights and updates:

	w := testutil.GenerateTestVector(1, 2)
	u := testutil.GenerateTestUpdate(w, testutil.WithSender(3), testutil.WithEpoch(5))
	info, payload, err := testutil.EncodeTestUpdate(u)

Random weights are reproducible for a given seed:

	w := testutil.GenerateTestWeights(42, []int{4, 3}, []int{3})

Training data:

	shard := testutil.GenerateTestShard(100, 4, 3)
	blobs, err := ml.NewBlobs(testutil.NewTestBlobsConfig())
*/
package testutil
