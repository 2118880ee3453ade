package profile

// Built-in starting points for the two language pairs the trainer's data
// loader is usually pointed at. The hyperparameters are chosen defaults; tune
// them through a config profile that extends one of these.
var presets = []Profile{
	{
		Name:             "wmt16-roen",
		Prefix:           "[time]",
		Dataset:          "wmt16",
		Src:              "ro",
		Trg:              "en",
		TrainSet:         "train.bpe",
		DevSet:           "dev.bpe",
		TestSet:          "test.bpe",
		Base:             "bpe",
		Params:           "t2t-base",
		EvalEvery:        500,
		BatchSize:        1200,
		InterSize:        3,
		LabelSmooth:      0.1,
		ShareEmbeddings:  true,
		Tensorboard:      true,
		LoadLazy:         true,
		CrossAttnFashion: "forward",
		Model:            "Transformer",
	},
	{
		Name:             "iwslt-deen",
		Prefix:           "[time]",
		Dataset:          "iwslt",
		Src:              "de",
		Trg:              "en",
		TrainSet:         "train.tags.bpe",
		DevSet:           "IWSLT16.TED.tst2013.bpe",
		TestSet:          "IWSLT16.TED.tst2014.bpe",
		Base:             "bpe",
		Params:           "t2t-small",
		EvalEvery:        1000,
		BatchSize:        2048,
		InterSize:        1,
		LabelSmooth:      0.1,
		ShareEmbeddings:  true,
		Tensorboard:      true,
		LoadLazy:         true,
		CrossAttnFashion: "reverse",
		Model:            "Transformer",
	},
}
