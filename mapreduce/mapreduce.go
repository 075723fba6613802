// Package mapreduce sketches the mapper/reducer/pipeline interfaces a
// batch or stream job would implement against this module's storage and
// state machines. MapReduce pipelines are an external collaborator per
// spec's Non-goals — this package defines the seam a future pipeline would
// plug into (e.g. a Mapper reading storage.Engine.Keys ranges, a Reducer
// folding into a statemachine.Machine), not a runnable executor.
package mapreduce

import "context"

// KeyValue is one emitted intermediate pair.
type KeyValue struct {
	Key   string
	Value []byte
}

// Mapper transforms one input record into zero or more intermediate
// key-value pairs.
type Mapper interface {
	Map(ctx context.Context, key string, value []byte) ([]KeyValue, error)
}

// Reducer folds all values sharing a key into a single output value.
type Reducer interface {
	Reduce(ctx context.Context, key string, values [][]byte) ([]byte, error)
}

// Source yields input records to a Pipeline, e.g. a range over
// storage.Engine's keys or a replicated log's committed entries.
type Source interface {
	Next(ctx context.Context) (key string, value []byte, ok bool, err error)
}

// Sink receives a Pipeline's final reduced output.
type Sink interface {
	Emit(ctx context.Context, key string, value []byte) error
}

// Pipeline wires a Source through a Mapper and Reducer into a Sink. Left
// unimplemented: a real executor would shard the intermediate
// key space, checkpoint progress, and parallelize map/reduce workers.
type Pipeline struct {
	Source  Source
	Mapper  Mapper
	Reducer Reducer
	Sink    Sink
}
