package protocol

// Routes served by a QCache node. Every node also mounts them under /qocache.
const (
	PathPrefix     = "/qcache"
	PathDataset    = PathPrefix + "/dataset/"
	PathStatus     = PathPrefix + "/status"
	PathStatistics = PathPrefix + "/statistics"

	// QuerySuffix is appended to a dataset path for queries sent in the body.
	QuerySuffix = "/q"
)

// Standard HTTP headers owned by the encoder.
const (
	HeaderContentEncoding = "Content-Encoding"
	HeaderContentType     = "Content-Type"
	HeaderAccept          = "Accept"
	HeaderAcceptEncoding  = "Accept-Encoding"
)

// QCache specific headers.
const (
	// HeaderRowCountHint tells the node how many rows a CSV upload holds.
	// Advisory only: a wrong value degrades preallocation, nothing else.
	HeaderRowCountHint = "X-QCache-row-count-hint"

	// HeaderTypes forces column types of a CSV upload (col=type;col=type).
	HeaderTypes = "X-QCache-types"

	// HeaderEnumSpecs declares enum columns and their values as JSON.
	HeaderEnumSpecs = "X-QCache-enum-specs"

	// HeaderStandInColumns adds missing columns on upload or query
	// (col=value;col=othercol). Quoted values are string constants.
	HeaderStandInColumns = "X-QCache-stand-in-columns"

	// HeaderUnslicedLength is set on query responses to the result length
	// before offset/limit were applied.
	HeaderUnslicedLength = "X-QCache-unsliced-length"
)

// Content types understood by a node.
const (
	ContentTypeCSV  = "text/csv"
	ContentTypeJSON = "application/json"
)

// QueryParam is the URL parameter carrying a query on GET requests.
const QueryParam = "q"
