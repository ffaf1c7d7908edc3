// Package caption generates natural-language captions for images using an
// ONNX image encoder and an ONNX next-token decoder.
//
// # Quick Start
//
//	c, err := caption.New("encoder.onnx", "decoder.onnx", "tokenizer.json")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	res, err := c.CaptionFile(ctx, "dog.jpg", caption.ModeBeamSearch)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(res.Caption)
//	for _, alt := range res.Alternatives {
//	    fmt.Printf("%.3f %s\n", alt.NormalizedScore, alt.Caption)
//	}
//
// # Decoding
//
// Beam search keeps WithBeamWidth hypotheses and ranks them by
// score / length^alpha, where score is the sum of log(p + epsilon) over the
// chosen tokens. When the decoder model fails during beam search, the
// Captioner logs a warning and answers with greedy decoding; Result.FellBack
// reports when this happened.
//
// # Thread Safety
//
// Captioner is safe for concurrent use. Each model is served by an internal
// pool of ONNX sessions, configurable via WithPoolSize.
//
// # Model Files
//
// The encoder maps a [1,H,W,3] image tensor to a feature vector. The decoder
// maps image features [B,F] and padded token ids [B,max_length] to next-token
// probabilities [B,V] or [B,max_length,V]. The vocabulary is a JSON word
// index (plain or Keras tokenizer export) or a SentencePiece model.
package caption
