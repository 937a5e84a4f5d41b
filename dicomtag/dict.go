package dicomtag

import (
	"fmt"

	"github.com/elly2178/lc2-curapacs/errors"
)

// Tags referenced directly by the federation and filter code.
var (
	SpecificCharacterSet = Tag{0x0008, 0x0005}
	QueryRetrieveLevel   = Tag{0x0008, 0x0052}
	PixelData            = Tag{0x7fe0, 0x0010}
)

// dictionary holds every tag this system translates. It covers the keywords
// legal at any retrieve level plus the tags the filter and codec need to
// recognize. Entries outside this table are reported as unknown.
var dictionary = map[Tag]string{
	// File meta / encoding
	{0x0002, 0x0002}: "MediaStorageSOPClassUID",
	{0x0008, 0x0005}: "SpecificCharacterSet",

	// Identification
	{0x0008, 0x0016}: "SOPClassUID",
	{0x0008, 0x0018}: "SOPInstanceUID",
	{0x0008, 0x0052}: "QueryRetrieveLevel",

	// Patient level
	{0x0010, 0x0010}: "PatientName",
	{0x0010, 0x0020}: "PatientID",
	{0x0010, 0x0021}: "IssuerOfPatientID",
	{0x0010, 0x0030}: "PatientBirthDate",
	{0x0010, 0x0032}: "PatientBirthTime",
	{0x0010, 0x0040}: "PatientSex",
	{0x0010, 0x1001}: "OtherPatientNames",
	{0x0010, 0x2160}: "EthnicGroup",
	{0x0010, 0x4000}: "PatientComments",

	// Study level
	{0x0008, 0x0020}: "StudyDate",
	{0x0008, 0x0030}: "StudyTime",
	{0x0008, 0x0050}: "AccessionNumber",
	{0x0008, 0x0090}: "ReferringPhysicianName",
	{0x0008, 0x1030}: "StudyDescription",
	{0x0008, 0x1060}: "NameOfPhysiciansReadingStudy",
	{0x0008, 0x1080}: "AdmittingDiagnosesDescription",
	{0x0010, 0x1010}: "PatientAge",
	{0x0010, 0x1020}: "PatientSize",
	{0x0010, 0x1030}: "PatientWeight",
	{0x0010, 0x2180}: "Occupation",
	{0x0010, 0x21b0}: "AdditionalPatientHistory",
	{0x0020, 0x000d}: "StudyInstanceUID",
	{0x0020, 0x0010}: "StudyID",

	// Series level
	{0x0008, 0x0060}: "Modality",
	{0x0020, 0x000e}: "SeriesInstanceUID",
	{0x0020, 0x0011}: "SeriesNumber",

	// Instance level
	{0x0020, 0x0013}: "InstanceNumber",

	// Bulk data, recognized so the filter can name what it strips
	{0x7fe0, 0x0010}: "PixelData",
}

// keywordIndex is the reverse mapping, built once at package init.
var keywordIndex = func() map[string]Tag {
	idx := make(map[string]Tag, len(dictionary))
	for tag, keyword := range dictionary {
		idx[keyword] = tag
	}
	return idx
}()

// KeywordForTag returns the dictionary keyword for a numeric tag
func KeywordForTag(tag Tag) (string, error) {
	keyword, ok := dictionary[tag]
	if !ok {
		return "", errors.WrapInvalid(errors.ErrUnknownTag, "Dictionary", "KeywordForTag",
			fmt.Sprintf("tag %s not in dictionary", tag))
	}
	return keyword, nil
}

// TagForKeyword returns the numeric tag for a dictionary keyword
func TagForKeyword(keyword string) (Tag, error) {
	tag, ok := keywordIndex[keyword]
	if !ok {
		return Tag{}, errors.WrapInvalid(errors.ErrUnknownKeyword, "Dictionary", "TagForKeyword",
			fmt.Sprintf("keyword %q not in dictionary", keyword))
	}
	return tag, nil
}
