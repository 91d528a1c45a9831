package sdkclient

import (
	"github.com/hashgraph/hedera-evm-relay/mirror"
)

// Published USD fee schedule for the file service ops the relay issues, in
// thousandths of a cent. The estimate only needs to be good enough for the
// spending governor's pre-check; the observed record fee settles the books.
const (
	fileCreateFeeMillicents = 50_000 // $0.05
	fileAppendFeeMillicents = 50_000 // $0.05 per chunk
	fileDeleteFeeMillicents = 7_000  // $0.007
)

const tinybarsPerHbar = 100_000_000

// EstimateFileTransactionsFee returns the tinybar cost of carrying
// callDataSize bytes through the HFS create/append/delete sequence, using the
// current HBAR/USD exchange rate.
func EstimateFileTransactionsFee(callDataSize, chunkSize int, rate mirror.Rate) int64 {
	if chunkSize <= 0 || rate.CentEquivalent <= 0 || rate.HbarEquivalent <= 0 {
		return 0
	}
	chunks := (callDataSize + chunkSize - 1) / chunkSize
	appendChunks := chunks - 1 // the first chunk rides on FileCreate
	if appendChunks < 0 {
		appendChunks = 0
	}
	totalMillicents := int64(fileCreateFeeMillicents) +
		int64(appendChunks)*fileAppendFeeMillicents +
		fileDeleteFeeMillicents
	// cents-per-hbar = cent_equivalent / hbar_equivalent
	tinybars := totalMillicents * rate.HbarEquivalent * tinybarsPerHbar / (rate.CentEquivalent * 1000)
	return tinybars
}
