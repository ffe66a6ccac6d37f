package metadata

// colKind distinguishes how one table column's on-disk width is computed.
type colKind int

const (
	colU2 colKind = iota
	colU4
	colStr
	colGUID
	colBlob
	colSimple
	colCoded
)

type colSpec struct {
	kind  colKind
	table int        // valid when kind == colSimple
	coded codedIndex // valid when kind == colCoded
}

func simple(t int) colSpec   { return colSpec{kind: colSimple, table: t} }
func coded(c codedIndex) colSpec { return colSpec{kind: colCoded, coded: c} }

// schema gives every table's column layout in file order. Every one of the
// 45 ECMA-335 tables is listed (even ones MetadataView exposes no rich
// accessor for) because row layout for every table between the Valid
// bitmask's first and last set bit must be known to locate subsequent
// tables' row data — tables are stored back-to-back with no padding.
var schema = map[int][]colSpec{
	TableModule:           {colSpec{kind: colU2}, colSpec{kind: colStr}, colSpec{kind: colGUID}, colSpec{kind: colGUID}, colSpec{kind: colGUID}},
	TableTypeRef:          {coded(codedResolutionScope), colSpec{kind: colStr}, colSpec{kind: colStr}},
	TableTypeDef:          {colSpec{kind: colU4}, colSpec{kind: colStr}, colSpec{kind: colStr}, coded(codedTypeDefOrRef), simple(TableField), simple(TableMethodDef)},
	TableFieldPtr:         {simple(TableField)},
	TableField:            {colSpec{kind: colU2}, colSpec{kind: colStr}, colSpec{kind: colBlob}},
	TableMethodPtr:        {simple(TableMethodDef)},
	TableMethodDef:        {colSpec{kind: colU4}, colSpec{kind: colU2}, colSpec{kind: colU2}, colSpec{kind: colStr}, colSpec{kind: colBlob}, simple(TableParam)},
	TableParamPtr:         {simple(TableParam)},
	TableParam:            {colSpec{kind: colU2}, colSpec{kind: colU2}, colSpec{kind: colStr}},
	TableInterfaceImpl:    {simple(TableTypeDef), coded(codedTypeDefOrRef)},
	TableMemberRef:        {coded(codedMemberRefParent), colSpec{kind: colStr}, colSpec{kind: colBlob}},
	TableConstant:         {colSpec{kind: colU2}, coded(codedHasConstant), colSpec{kind: colBlob}},
	TableCustomAttribute:  {coded(codedHasCustomAttribute), coded(codedCustomAttributeType), colSpec{kind: colBlob}},
	TableFieldMarshal:     {coded(codedHasFieldMarshal), colSpec{kind: colBlob}},
	TableDeclSecurity:     {colSpec{kind: colU2}, coded(codedHasDeclSecurity), colSpec{kind: colBlob}},
	TableClassLayout:      {colSpec{kind: colU2}, colSpec{kind: colU4}, simple(TableTypeDef)},
	TableFieldLayout:      {colSpec{kind: colU4}, simple(TableField)},
	TableStandAloneSig:    {colSpec{kind: colBlob}},
	TableEventMap:         {simple(TableTypeDef), simple(TableEvent)},
	TableEventPtr:         {simple(TableEvent)},
	TableEvent:            {colSpec{kind: colU2}, colSpec{kind: colStr}, coded(codedTypeDefOrRef)},
	TablePropertyMap:      {simple(TableTypeDef), simple(TableProperty)},
	TablePropertyPtr:      {simple(TableProperty)},
	TableProperty:         {colSpec{kind: colU2}, colSpec{kind: colStr}, colSpec{kind: colBlob}},
	TableMethodSemantics:  {colSpec{kind: colU2}, simple(TableMethodDef), coded(codedHasSemantics)},
	TableMethodImpl:       {simple(TableTypeDef), coded(codedMethodDefOrRef), coded(codedMethodDefOrRef)},
	TableModuleRef:        {colSpec{kind: colStr}},
	TableTypeSpec:         {colSpec{kind: colBlob}},
	TableImplMap:          {colSpec{kind: colU2}, coded(codedMemberForwarded), colSpec{kind: colStr}, simple(TableModuleRef)},
	TableFieldRVA:         {colSpec{kind: colU4}, simple(TableField)},
	TableENCLog:           {colSpec{kind: colU4}, colSpec{kind: colU4}},
	TableENCMap:           {colSpec{kind: colU4}},
	TableAssembly:         {colSpec{kind: colU4}, colSpec{kind: colU2}, colSpec{kind: colU2}, colSpec{kind: colU2}, colSpec{kind: colU2}, colSpec{kind: colU4}, colSpec{kind: colBlob}, colSpec{kind: colStr}, colSpec{kind: colStr}},
	TableAssemblyProcessor: {colSpec{kind: colU4}},
	TableAssemblyOS:        {colSpec{kind: colU4}, colSpec{kind: colU4}, colSpec{kind: colU4}},
	TableAssemblyRef:       {colSpec{kind: colU2}, colSpec{kind: colU2}, colSpec{kind: colU2}, colSpec{kind: colU2}, colSpec{kind: colU4}, colSpec{kind: colBlob}, colSpec{kind: colStr}, colSpec{kind: colStr}, colSpec{kind: colBlob}},
	TableAssemblyRefProcessor: {colSpec{kind: colU4}, simple(TableAssemblyRef)},
	TableAssemblyRefOS:        {colSpec{kind: colU4}, colSpec{kind: colU4}, colSpec{kind: colU4}, simple(TableAssemblyRef)},
	TableFile:                 {colSpec{kind: colU4}, colSpec{kind: colStr}, colSpec{kind: colBlob}},
	TableExportedType:         {colSpec{kind: colU4}, colSpec{kind: colU4}, colSpec{kind: colStr}, colSpec{kind: colStr}, coded(codedImplementation)},
	TableManifestResource:     {colSpec{kind: colU4}, colSpec{kind: colU4}, colSpec{kind: colStr}, coded(codedImplementation)},
	TableNestedClass:          {simple(TableTypeDef), simple(TableTypeDef)},
	TableGenericParam:         {colSpec{kind: colU2}, colSpec{kind: colU2}, coded(codedTypeOrMethodDef), colSpec{kind: colStr}},
	TableMethodSpec:           {coded(codedMethodDefOrRef), colSpec{kind: colBlob}},
	TableGenericParamConstraint: {simple(TableGenericParam), coded(codedTypeDefOrRef)},
}
